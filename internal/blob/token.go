package blob

import "github.com/google/uuid"

// NewVersionToken returns a time-ordered token used by backends that mint
// their own entity tags and lease ids. Tokens generated by one process sort
// in creation order.
func NewVersionToken() string {
	return uuid.Must(uuid.NewV7()).String()
}
