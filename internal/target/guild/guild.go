// Package guild maps sync operations onto a Discord guild. The wire
// protocol (rate limits, pagination, gateway sessions) lives behind the
// Client interface; this package only translates operations and errors.
package guild

import (
	"context"
	"errors"
	"fmt"

	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/format"
	"github.com/schaermu/guildsyncd/internal/target"
)

// Client is the transport boundary to Discord. Implementations resolve
// their own credentials; tokens never pass through the sync core.
type Client interface {
	// FetchGuild returns the guild structure as a dump document.
	FetchGuild(ctx context.Context, guildID string) (*format.Document, error)
	// CreateEntity creates an entity and returns the id Discord assigned.
	CreateEntity(ctx context.Context, kind format.Kind, parentID string, attrs map[string]any) (string, error)
	// UpdateEntity patches entity attributes.
	UpdateEntity(ctx context.Context, id string, attrs map[string]any) error
	// DeleteEntity removes an entity.
	DeleteEntity(ctx context.Context, id string) error
	// ReorderChildren sets the child order of a parent entity.
	ReorderChildren(ctx context.Context, parentID string, children []string) error
	// SetOverwrite creates or replaces a permission overwrite on a channel.
	SetOverwrite(ctx context.Context, channelID, subject string, attrs map[string]any) error
	// Close ends the client session.
	Close() error
}

// Adapter implements target.Adapter against a guild. Discord assigns ids on
// create, so the adapter tracks which real id each placeholder resolved to
// and rewrites later operations accordingly.
type Adapter struct {
	client  Client
	guildID string
	created map[string]string // placeholder -> Discord-assigned id
}

// New builds a guild adapter. The client's session is opened lazily by the
// client itself on first call.
func New(client Client, guildID string) *Adapter {
	return &Adapter{
		client:  client,
		guildID: guildID,
		created: make(map[string]string),
	}
}

// FetchSnapshot fetches and validates the guild structure.
func (a *Adapter) FetchSnapshot(ctx context.Context) (*format.Snapshot, error) {
	doc, err := a.client.FetchGuild(ctx, a.guildID)
	if err != nil {
		return nil, target.NewError("guild", a.guildID, target.ErrTransport, err.Error())
	}
	return doc.Snapshot(), nil
}

// Supports reports true for every operation kind; Discord exposes all of
// them.
func (a *Adapter) Supports(_ diff.OperationKind) bool {
	return true
}

// Apply translates one operation into client calls.
func (a *Adapter) Apply(ctx context.Context, op diff.Operation) error {
	var err error
	switch op.Kind {
	case diff.OpCreateEntity:
		var assigned string
		assigned, err = a.client.CreateEntity(ctx, op.Entity, a.resolve(op.ParentID), op.After)
		if err == nil {
			a.created[op.TargetID] = assigned
		}
	case diff.OpUpdateAttributes:
		err = a.client.UpdateEntity(ctx, a.resolve(op.TargetID), op.After)
	case diff.OpDeleteEntity:
		err = a.client.DeleteEntity(ctx, a.resolve(op.TargetID))
	case diff.OpReorderChildren:
		children := make([]string, len(op.Children))
		for i, child := range op.Children {
			children[i] = a.resolve(child)
		}
		err = a.client.ReorderChildren(ctx, a.resolve(op.TargetID), children)
	case diff.OpSetOverwrite:
		err = a.client.SetOverwrite(ctx, a.resolve(op.ParentID), op.Subject, op.After)
	default:
		return target.NewError("guild", op.TargetID, target.ErrUnsupported, fmt.Sprintf("unknown operation kind %s", op.Kind))
	}

	if err != nil {
		return a.translate(op.TargetID, err)
	}
	return nil
}

// Close ends the client session.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) resolve(id string) string {
	if assigned, ok := a.created[id]; ok {
		return assigned
	}
	return id
}

// translate wraps a client error into the adapter taxonomy while keeping
// the client-reported reason verbatim.
func (a *Adapter) translate(targetID string, err error) error {
	cause := target.ErrTransport
	switch {
	case errors.Is(err, target.ErrNotFound):
		cause = target.ErrNotFound
	case errors.Is(err, target.ErrPermission):
		cause = target.ErrPermission
	}
	return target.NewError("guild", targetID, cause, err.Error())
}
