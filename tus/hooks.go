package tus

import "context"

// Hooks are the lifecycle extension points of the upload server. Nil
// fields are skipped; a returned error aborts the request and propagates
// to the client.
type Hooks struct {
	BeforeCreate   func(ctx context.Context, uid string, info Info) error
	AfterCreate    func(ctx context.Context, uid string, info Info) error
	AfterFinish    func(ctx context.Context, uid string, info Info) error
	AfterTerminate func(ctx context.Context, uid string, info Info) error
}

func (h Hooks) beforeCreate(ctx context.Context, uid string, info Info) error {
	if h.BeforeCreate == nil {
		return nil
	}
	return h.BeforeCreate(ctx, uid, info)
}

func (h Hooks) afterCreate(ctx context.Context, uid string, info Info) error {
	if h.AfterCreate == nil {
		return nil
	}
	return h.AfterCreate(ctx, uid, info)
}

func (h Hooks) afterFinish(ctx context.Context, uid string, info Info) error {
	if h.AfterFinish == nil {
		return nil
	}
	return h.AfterFinish(ctx, uid, info)
}

func (h Hooks) afterTerminate(ctx context.Context, uid string, info Info) error {
	if h.AfterTerminate == nil {
		return nil
	}
	return h.AfterTerminate(ctx, uid, info)
}
