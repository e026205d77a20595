package bus

import (
	"context"
	"encoding/json"

	"github.com/blockplane/blockplane/internal/logging"
	"github.com/blockplane/blockplane/internal/utils"
)

// Membership is the registry surface the bus drives
type Membership interface {
	UpsertNode(ctx context.Context, name, endpoint string) error
	RemoveNode(name string)
}

// registerMessage is the payload nodes publish on the register subject
type registerMessage struct {
	ID           string `json:"id"`
	GRPCEndpoint string `json:"grpcEndpoint"`
}

// deregisterMessage is the payload nodes publish on the deregister subject
type deregisterMessage struct {
	ID string `json:"id"`
}

// MembershipHandler translates bus announcements into registry membership
// calls. Malformed payloads are logged and dropped; the next heartbeat from
// a healthy node carries the same information again.
type MembershipHandler struct {
	membership Membership
	logger     *logging.Logger
}

// NewMembershipHandler creates a handler bound to a registry
func NewMembershipHandler(membership Membership, logger *logging.Logger) *MembershipHandler {
	if logger == nil {
		logger = logging.Global()
	}
	return &MembershipHandler{
		membership: membership,
		logger:     logger.With("component", "bus.membership"),
	}
}

// Start subscribes the handler to the register and deregister subjects
func (h *MembershipHandler) Start(ctx context.Context, sub Subscriber) error {
	if err := sub.Subscribe(ctx, utils.SubjectRegister, h.HandleRegister); err != nil {
		return err
	}
	return sub.Subscribe(ctx, utils.SubjectDeregister, h.HandleDeregister)
}

// HandleRegister processes one registration announcement
func (h *MembershipHandler) HandleRegister(ctx context.Context, subject string, data []byte) error {
	var msg registerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("Dropping malformed register message", "error", err)
		return nil
	}
	if msg.ID == "" || msg.GRPCEndpoint == "" {
		h.logger.Warn("Dropping register message with missing fields", "id", msg.ID, "endpoint", msg.GRPCEndpoint)
		return nil
	}

	if err := h.membership.UpsertNode(ctx, msg.ID, msg.GRPCEndpoint); err != nil {
		h.logger.Error("Node registration failed", "node", msg.ID, "error", err)
		return err
	}
	return nil
}

// HandleDeregister processes one deregistration announcement. Unknown nodes
// are a no-op: the message may be a duplicate or arrive after an endpoint
// takeover.
func (h *MembershipHandler) HandleDeregister(ctx context.Context, subject string, data []byte) error {
	var msg deregisterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("Dropping malformed deregister message", "error", err)
		return nil
	}
	if msg.ID == "" {
		h.logger.Warn("Dropping deregister message with missing id")
		return nil
	}

	h.membership.RemoveNode(msg.ID)
	return nil
}
