package models

import "time"

type LoginActivity struct {
	ID        string    `json:"id" dynamodbav:"id"`
	AccountID string    `json:"account_id" dynamodbav:"account_id"`
	IPAddress string    `json:"ip_address,omitempty" dynamodbav:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty" dynamodbav:"user_agent,omitempty"`
	Browser   string    `json:"browser,omitempty" dynamodbav:"browser,omitempty"`
	OS        string    `json:"os,omitempty" dynamodbav:"os,omitempty"`
	LoginTime time.Time `json:"login_time" dynamodbav:"login_time"`
}
