package matching

import "fmt"

// Rejection codes surfaced to clients.
const (
	CodeBanned             = "banned"
	CodeSuspended          = "suspended"
	CodeInsufficientPoints = "insufficient_points"
	CodeInRoom             = "in_room"
)

// Rejection is a policy refusal of a match attempt. It is terminal for
// that attempt; the user is not enqueued.
type Rejection struct {
	Code        string
	Message     string
	NeedsPoints bool
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("matching: rejected (%s): %s", r.Code, r.Message)
}
