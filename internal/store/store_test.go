package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kitabu/kitabu-gobackend/internal/models"
)

// runStoreTests exercises the behaviour every backend must share.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create and lookup", func(t *testing.T) { testCreateAndLookup(t, newStore(t)) })
	t.Run("correlation ids are unique", func(t *testing.T) { testUniqueIDs(t, newStore(t)) })
	t.Run("transition is compare and set", func(t *testing.T) { testTransition(t, newStore(t)) })
	t.Run("concurrent transitions have one winner", func(t *testing.T) { testConcurrentTransition(t, newStore(t)) })
	t.Run("record callback keeps status", func(t *testing.T) { testRecordCallback(t, newStore(t)) })
	t.Run("ungranted and expiry", func(t *testing.T) { testSweepQueries(t, newStore(t)) })
	t.Run("cancelled accepts only success", func(t *testing.T) { testCancelledReopen(t, newStore(t)) })
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
}

var baseTime = time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC)

func pendingTxn(n int, userRef string, created time.Time) *models.Transaction {
	return &models.Transaction{
		ID:                fmt.Sprintf("txn-%d", n),
		UserRef:           userRef,
		PayerPhone:        "254712345678",
		Amount:            87,
		MerchantRequestID: fmt.Sprintf("merchant-%d", n),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", n),
		Status:            models.StatusPending,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

func mustCreate(t *testing.T, s Store, txn *models.Transaction) {
	t.Helper()
	if err := s.Create(context.Background(), txn); err != nil {
		t.Fatalf("Create(%s) error = %v", txn.ID, err)
	}
}

func mustCreateUser(t *testing.T, s Store, id string) {
	t.Helper()
	u := &models.User{ID: id, Username: "user-" + id, Email: id + "@example.com", HPassword: "x", CreatedAt: baseTime}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s) error = %v", id, err)
	}
}

func completed(at time.Time) models.Transition {
	settled := time.Date(2024, 1, 15, 10, 30, 0, 0, time.FixedZone("EAT", 3*60*60))
	return models.Transition{
		Status:     models.StatusCompleted,
		ResultCode: 0,
		ResultDesc: "The service request is processed successfully.",
		ReceiptRef: "ABC123",
		SettledAt:  &settled,
		RawPayload: []byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`),
		At:         at,
	}
}

func testCreateAndLookup(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, pendingTxn(1, "u1", baseTime))
	mustCreate(t, s, pendingTxn(2, "u1", baseTime.Add(time.Minute)))
	mustCreate(t, s, pendingTxn(3, "u2", baseTime))

	got, err := s.Get(ctx, "txn-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CheckoutRequestID != "ws_CO_1" || got.Status != models.StatusPending || got.Amount != 87 {
		t.Errorf("Get() = %+v", got)
	}

	byCheckout, err := s.GetByCheckoutRequestID(ctx, "ws_CO_2")
	if err != nil || byCheckout.ID != "txn-2" {
		t.Errorf("GetByCheckoutRequestID() = %v, %v", byCheckout, err)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetByCheckoutRequestID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByCheckoutRequestID(missing) error = %v, want ErrNotFound", err)
	}

	list, err := s.ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "txn-2" || list[1].ID != "txn-1" {
		t.Errorf("ListByUser() = %v, want newest first", list)
	}
}

func testUniqueIDs(t *testing.T, s Store) {
	mustCreate(t, s, pendingTxn(1, "u1", baseTime))

	sameCheckout := pendingTxn(2, "u1", baseTime)
	sameCheckout.CheckoutRequestID = "ws_CO_1"
	if err := s.Create(context.Background(), sameCheckout); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate checkout id error = %v, want ErrDuplicate", err)
	}

	sameMerchant := pendingTxn(3, "u1", baseTime)
	sameMerchant.MerchantRequestID = "merchant-1"
	if err := s.Create(context.Background(), sameMerchant); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate merchant id error = %v, want ErrDuplicate", err)
	}
}

func testTransition(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, pendingTxn(1, "u1", baseTime))
	at := baseTime.Add(time.Minute)

	got, err := s.Transition(ctx, "ws_CO_1", completed(at))
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if got.Status != models.StatusCompleted || got.GatewayReceiptRef != "ABC123" {
		t.Errorf("Transition() = %+v", got)
	}
	if got.ResultCode == nil || *got.ResultCode != 0 {
		t.Errorf("ResultCode = %v", got.ResultCode)
	}
	if got.SettledAt == nil || !got.SettledAt.Equal(time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC)) {
		t.Errorf("SettledAt = %v", got.SettledAt)
	}
	if len(got.RawCallbackPayload) == 0 {
		t.Errorf("raw payload not stored")
	}

	failed := models.Transition{Status: models.StatusFailed, ResultCode: 1032, ResultDesc: "Request cancelled by user", At: at}
	if _, err := s.Transition(ctx, "ws_CO_1", failed); !errors.Is(err, ErrNotPending) {
		t.Errorf("second Transition() error = %v, want ErrNotPending", err)
	}
	if _, err := s.Transition(ctx, "ws_CO_missing", failed); !errors.Is(err, ErrNotFound) {
		t.Errorf("Transition(missing) error = %v, want ErrNotFound", err)
	}

	stored, _ := s.Get(ctx, "txn-1")
	if stored.Status != models.StatusCompleted || stored.GatewayReceiptRef != "ABC123" {
		t.Errorf("terminal record changed: %+v", stored)
	}
}

func testConcurrentTransition(t *testing.T, s Store) {
	mustCreate(t, s, pendingTxn(1, "u1", baseTime))

	const workers = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(context.Background(), "ws_CO_1", completed(baseTime))
			switch {
			case err == nil:
				mu.Lock()
				wins++
				mu.Unlock()
			case errors.Is(err, ErrNotPending):
			default:
				t.Errorf("Transition() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func testRecordCallback(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, pendingTxn(1, "u1", baseTime))

	raw := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1"}}}`)
	got, err := s.RecordCallback(ctx, "ws_CO_1", raw, baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("RecordCallback() error = %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if len(got.RawCallbackPayload) == 0 {
		t.Errorf("payload not stored")
	}
	if _, err := s.RecordCallback(ctx, "missing", raw, baseTime); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordCallback(missing) error = %v, want ErrNotFound", err)
	}
}

func testSweepQueries(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, pendingTxn(1, "u1", baseTime.Add(-48*time.Hour)))
	mustCreate(t, s, pendingTxn(2, "u1", baseTime.Add(-time.Hour)))
	mustCreate(t, s, pendingTxn(3, "u1", baseTime.Add(-2*time.Hour)))

	if _, err := s.Transition(ctx, "ws_CO_3", completed(baseTime)); err != nil {
		t.Fatal(err)
	}

	ungranted, err := s.ListUngranted(ctx, 10)
	if err != nil {
		t.Fatalf("ListUngranted() error = %v", err)
	}
	if len(ungranted) != 1 || ungranted[0].ID != "txn-3" {
		t.Fatalf("ListUngranted() = %v", ungranted)
	}

	if err := s.MarkEntitlementGranted(ctx, "txn-3", baseTime); err != nil {
		t.Fatalf("MarkEntitlementGranted() error = %v", err)
	}
	if err := s.MarkEntitlementGranted(ctx, "txn-3", baseTime.Add(time.Hour)); err != nil {
		t.Errorf("repeat MarkEntitlementGranted() error = %v", err)
	}
	if err := s.MarkEntitlementGranted(ctx, "missing", baseTime); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkEntitlementGranted(missing) error = %v, want ErrNotFound", err)
	}
	if ungranted, _ := s.ListUngranted(ctx, 10); len(ungranted) != 0 {
		t.Errorf("ListUngranted() after grant = %v", ungranted)
	}

	n, err := s.ExpirePending(ctx, baseTime.Add(-24*time.Hour), baseTime)
	if err != nil {
		t.Fatalf("ExpirePending() error = %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
	old, _ := s.Get(ctx, "txn-1")
	recent, _ := s.Get(ctx, "txn-2")
	if old.Status != models.StatusCancelled || recent.Status != models.StatusPending {
		t.Errorf("statuses = %s, %s", old.Status, recent.Status)
	}
}

func testCancelledReopen(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, pendingTxn(1, "u1", baseTime.Add(-48*time.Hour)))
	if _, err := s.ExpirePending(ctx, baseTime.Add(-24*time.Hour), baseTime); err != nil {
		t.Fatalf("ExpirePending() error = %v", err)
	}

	failed := models.Transition{Status: models.StatusFailed, ResultCode: 1037, ResultDesc: "DS timeout", At: baseTime}
	if _, err := s.Transition(ctx, "ws_CO_1", failed); !errors.Is(err, ErrNotPending) {
		t.Errorf("failure on cancelled error = %v, want ErrNotPending", err)
	}

	got, err := s.Transition(ctx, "ws_CO_1", completed(baseTime.Add(time.Minute)))
	if err != nil {
		t.Fatalf("success on cancelled error = %v", err)
	}
	if got.Status != models.StatusCompleted || got.GatewayReceiptRef != "ABC123" {
		t.Errorf("Transition() = %+v", got)
	}
	if _, err := s.Transition(ctx, "ws_CO_1", completed(baseTime.Add(time.Minute))); !errors.Is(err, ErrNotPending) {
		t.Errorf("replay error = %v, want ErrNotPending", err)
	}
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreateUser(t, s, "u1")

	dup := &models.User{ID: "u2", Username: "user-u1", Email: "other@example.com", CreatedAt: baseTime}
	if err := s.CreateUser(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate username error = %v, want ErrDuplicate", err)
	}

	byEmail, err := s.GetUserByEmail(ctx, "u1@example.com")
	if err != nil || byEmail.ID != "u1" {
		t.Fatalf("GetUserByEmail() = %v, %v", byEmail, err)
	}
	if _, err := s.GetUser(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser(ghost) error = %v, want ErrNotFound", err)
	}

	first := baseTime.Add(time.Hour)
	if err := s.ActivatePremium(ctx, "u1", first); err != nil {
		t.Fatalf("ActivatePremium() error = %v", err)
	}
	if err := s.ActivatePremium(ctx, "u1", first.Add(time.Hour)); err != nil {
		t.Fatalf("repeat ActivatePremium() error = %v", err)
	}
	u, _ := s.GetUser(ctx, "u1")
	if !u.IsPremium || u.PremiumActivatedAt == nil || !u.PremiumActivatedAt.Equal(first) {
		t.Errorf("user = premium %v at %v, want first activation time", u.IsPremium, u.PremiumActivatedAt)
	}
	if err := s.ActivatePremium(ctx, "ghost", first); !errors.Is(err, ErrNotFound) {
		t.Errorf("ActivatePremium(ghost) error = %v, want ErrNotFound", err)
	}
}
