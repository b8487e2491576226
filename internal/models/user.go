package models

import (
	"time"
)

// User model
type User struct {
	ID                 string     `bson:"_id" json:"id" gorm:"primaryKey;type:varchar(64)"`
	Username           string     `bson:"username" json:"username" gorm:"type:varchar(150);not null;uniqueIndex"`
	Email              string     `bson:"email" json:"email" gorm:"type:varchar(255);not null;uniqueIndex"`
	Phone              string     `bson:"phone" json:"phone_number" gorm:"type:varchar(15)"` // M-Pesa number
	HPassword          string     `bson:"password" json:"-" gorm:"column:password;not null"`
	IsPremium          bool       `bson:"is_premium" json:"is_premium" gorm:"not null;default:false"`
	PremiumActivatedAt *time.Time `bson:"premium_activated_at,omitempty" json:"premium_activated_at,omitempty"`
	CreatedAt          time.Time  `bson:"created_at" json:"created_at"`
}
