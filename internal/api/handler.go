package api

import (
	"context"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"labdevice-gateway/internal/parse"
	"labdevice-gateway/internal/server"
	"labdevice-gateway/internal/store"
)

// Commander issues device commands. *command.Service satisfies it.
type Commander interface {
	ChangeSerial(ctx context.Context, serial, newSerial string) (bool, error)
	SyncTime(ctx context.Context, serial string, t time.Time) error
	ReadConfiguration(ctx context.Context, serial string) (*parse.Configuration, error)
	WriteConfiguration(ctx context.Context, serial string, cfg *parse.Configuration) error
}

// Retriever pulls buffered records on demand. *retrieval.Service satisfies it.
type Retriever interface {
	RetrieveSerial(ctx context.Context, serial string) (int, error)
}

// SessionLister reports open device connections. *server.TCPServer
// satisfies it.
type SessionLister interface {
	Sessions() []server.SessionInfo
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     store.Store
	webpush   *webpush.Options
	commands  Commander
	retriever Retriever
	sessions  SessionLister
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, webpushOptions *webpush.Options, c Commander, r Retriever, sl SessionLister) *Handler {
	return &Handler{
		store:     s,
		webpush:   webpushOptions,
		commands:  c,
		retriever: r,
		sessions:  sl,
	}
}
