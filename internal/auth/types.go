// Package auth defines the account entities the gateway core dispatches
// against: one concrete type per upstream provider, matching the distinct
// attribute sets in the data model rather than a single polymorphic blob.
package auth

import "time"

// Provider identifies one of the upstream model providers the core talks to.
type Provider string

const (
	ProviderAntigravity Provider = "antigravity"
	ProviderKiro        Provider = "kiro"
	ProviderQwen        Provider = "qwen"
)

// Status is the lifecycle status of an account row.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// SharingPreference is a user's preference for which account pool Dispatch
// should try first.
type SharingPreference string

const (
	PreferDedicated SharingPreference = "prefer-dedicated"
	PreferShared    SharingPreference = "prefer-shared"
)

// KiroAuthMethod distinguishes the two Kiro OAuth flavors, which require
// different refresh-token endpoints and credential shapes.
type KiroAuthMethod string

const (
	KiroAuthSocial KiroAuthMethod = "Social"
	KiroAuthIdC    KiroAuthMethod = "IdC"
)

// Base holds the fields common to every provider's account row.
type Base struct {
	ID           string
	UserID       string
	Shared       bool
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Status       Status
	NeedsReauth  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExpiringSoon reports whether the access token needs a refresh before use,
// i.e. expires within skew of now (§4.1: "expires-at − now < 60 s").
func (b Base) ExpiringSoon(now time.Time, skew time.Duration) bool {
	return b.ExpiresAt.Sub(now) < skew
}

// AntigravityAccount is a Gemini-family (Antigravity) OAuth account.
type AntigravityAccount struct {
	Base
	Email        string
	ProjectID    string
	IsRestricted bool
	Ineligible   bool
	PaidTier     bool
}

// KiroAccount is an AWS CodeWhisperer (Kiro) OAuth account.
type KiroAccount struct {
	Base
	AuthMethod   KiroAuthMethod
	ClientID     string
	ClientSecret string // IdC only
	ProfileARN   string
	MachineID    string
	Region       string

	Subscription string
	CurrentUsage float64
	ResetDate    time.Time
	UsageLimit   float64

	FreeTrialStatus string
	FreeTrialUsage  float64
	FreeTrialExpiry time.Time
	FreeTrialLimit  float64

	BonusUsage     float64
	BonusLimit     float64
	BonusAvailable bool
	BonusDetails   string
}

// QwenAccount is an Alibaba Qwen OAuth account.
type QwenAccount struct {
	Base
	ResourceURL string
}

// Account is the common surface the Dispatch Engine and Token Manager need,
// satisfied by all three concrete account types via accessor methods below.
type Account interface {
	AccountID() string
	Owner() string
	IsShared() bool
	AccountStatus() Status
	AwaitingReauth() bool
	Tokens() (access, refresh string, expiresAt time.Time)
}

func (a *AntigravityAccount) AccountID() string       { return a.ID }
func (a *AntigravityAccount) Owner() string            { return a.UserID }
func (a *AntigravityAccount) IsShared() bool           { return a.Shared }
func (a *AntigravityAccount) AccountStatus() Status    { return a.Status }
func (a *AntigravityAccount) AwaitingReauth() bool     { return a.NeedsReauth }
func (a *AntigravityAccount) Tokens() (string, string, time.Time) {
	return a.AccessToken, a.RefreshToken, a.ExpiresAt
}

func (k *KiroAccount) AccountID() string    { return k.ID }
func (k *KiroAccount) Owner() string        { return k.UserID }
func (k *KiroAccount) IsShared() bool       { return k.Shared }
func (k *KiroAccount) AccountStatus() Status { return k.Status }
func (k *KiroAccount) AwaitingReauth() bool { return k.NeedsReauth }
func (k *KiroAccount) Tokens() (string, string, time.Time) {
	return k.AccessToken, k.RefreshToken, k.ExpiresAt
}

func (q *QwenAccount) AccountID() string    { return q.ID }
func (q *QwenAccount) Owner() string        { return q.UserID }
func (q *QwenAccount) IsShared() bool       { return q.Shared }
func (q *QwenAccount) AccountStatus() Status { return q.Status }
func (q *QwenAccount) AwaitingReauth() bool { return q.NeedsReauth }
func (q *QwenAccount) Tokens() (string, string, time.Time) {
	return q.AccessToken, q.RefreshToken, q.ExpiresAt
}
