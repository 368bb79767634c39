package domain

// AccessContext carries the tenant identity resolved by the (out-of-scope)
// auth layer. It is threaded explicitly through every Job Manager call
// instead of living on an ambient request object — see SPEC_FULL.md's
// design notes on replacing "dynamic request augmentation" with an
// explicit capability.
type AccessContext struct {
	OrgID     string
	UserID    string
	ProjectID string
	Role      string
}
