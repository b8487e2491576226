package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter mounts the public, authenticated and gateway-facing routes.
func NewRouter(users *UserHandler, payments *PaymentHandler, jwtSecret []byte) *mux.Router {
	router := mux.NewRouter()
	router.Use(RequestLogger)

	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")
	router.HandleFunc("/api/user", users.CreateUser).Methods("POST")
	router.HandleFunc("/api/login", users.LoginUserHandler).Methods("POST")

	// The gateway cannot authenticate; the callback sits outside the JWT group
	// and answers every method itself.
	router.HandleFunc("/api/payments/callback", payments.Callback)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(AuthMiddleware(jwtSecret))
	api.HandleFunc("/user/me", users.Me).Methods("GET")
	api.HandleFunc("/payments/upgrade", payments.Upgrade).Methods("GET")
	api.HandleFunc("/payments/initiate", payments.Initiate).Methods("POST")
	api.HandleFunc("/payments", payments.ListPayments).Methods("GET")
	api.HandleFunc("/payments/{transactionID}", payments.GetPayment).Methods("GET")

	return router
}
