package ratelimit

import (
	"fmt"
	"time"
)

// Policy is a request budget per fixed window.
type Policy struct {
	MaxRequests int           `json:"max"`
	Window      time.Duration `json:"window"`
}

// Validate ensures the policy can admit at least one request.
func (p Policy) Validate() error {
	if p.MaxRequests <= 0 || p.Window <= 0 {
		return fmt.Errorf("%w: max=%d window=%s", ErrInvalidPolicy, p.MaxRequests, p.Window)
	}
	return nil
}

func (p Policy) String() string {
	return fmt.Sprintf("%d/%s", p.MaxRequests, p.Window)
}

// Request path policies, keyed per client.
var (
	CreateRoom = Policy{MaxRequests: 15, Window: 15 * time.Minute}
	JoinRoom   = Policy{MaxRequests: 15, Window: 5 * time.Minute}
	Global     = Policy{MaxRequests: 50, Window: time.Minute}
)

// Connection event policies, keyed per connection and event.
var (
	DrawCardEvent = Policy{MaxRequests: 20, Window: time.Minute}
	JoinRoomEvent = Policy{MaxRequests: 5, Window: 30 * time.Second}
	GeneralEvent  = Policy{MaxRequests: 100, Window: time.Minute}
)

// Key scopes an identifier, e.g. Key("global", "10.0.0.1") is "global:10.0.0.1".
func Key(scope, identifier string) string {
	return scope + ":" + identifier
}

// Policies groups every budget the server enforces.
type Policies struct {
	CreateRoom    Policy `json:"create_room"`
	JoinRoom      Policy `json:"join_room"`
	Global        Policy `json:"global"`
	DrawCardEvent Policy `json:"draw_card_event"`
	JoinRoomEvent Policy `json:"join_room_event"`
	GeneralEvent  Policy `json:"general_event"`
}

// DefaultPolicies returns the production budgets.
func DefaultPolicies() Policies {
	return Policies{
		CreateRoom:    CreateRoom,
		JoinRoom:      JoinRoom,
		Global:        Global,
		DrawCardEvent: DrawCardEvent,
		JoinRoomEvent: JoinRoomEvent,
		GeneralEvent:  GeneralEvent,
	}
}

// Validate checks each policy and names the first invalid one.
func (p Policies) Validate() error {
	named := []struct {
		name   string
		policy Policy
	}{
		{"create_room", p.CreateRoom},
		{"join_room", p.JoinRoom},
		{"global", p.Global},
		{"draw_card_event", p.DrawCardEvent},
		{"join_room_event", p.JoinRoomEvent},
		{"general_event", p.GeneralEvent},
	}
	for _, n := range named {
		if err := n.policy.Validate(); err != nil {
			return fmt.Errorf("rate limit %s: %w", n.name, err)
		}
	}
	return nil
}
