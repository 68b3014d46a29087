package kmsconnector

import (
	"context"
	"time"

	"github.com/distkv/restkmsconnector/pkg/kmserrors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Loop is C7: the single long-lived task that owns a Context and
// multiplexes the three RPC request streams onto the engine (spec §4.7).
type Loop struct {
	Ctx *Context

	ByKeyIDs       chan byKeyIDsEnvelope
	LatestByDomain chan latestByDomainEnvelope
	BlobMetadata   chan blobMetadataEnvelope

	builder *RequestBuilder
	parser  *ResponseParser
	engine  *Engine
}

type byKeyIDsEnvelope struct {
	req   ByKeyIDsRequest
	reply chan ByKeyIDsReply
}

type latestByDomainEnvelope struct {
	req   LatestByDomainIDsRequest
	reply chan LatestByDomainIDsReply
}

type blobMetadataEnvelope struct {
	req   BlobMetadataRequest
	reply chan BlobMetadataReply
}

// NewLoop builds a Loop bound to ctx, wiring C4/C5/C6 from ctx's
// configuration.
func NewLoop(ctx *Context) *Loop {
	l := &Loop{
		Ctx:            ctx,
		ByKeyIDs:       make(chan byKeyIDsEnvelope),
		LatestByDomain: make(chan latestByDomainEnvelope),
		BlobMetadata:   make(chan blobMetadataEnvelope),
		builder:        &RequestBuilder{Tokens: ctx.Tokens},
	}
	l.parser = &ResponseParser{
		MaxSupportedCipherVersion: uint32(ctx.Config.MaxCipherRequestVersion),
		MaxSupportedBlobVersion:   uint32(ctx.Config.MaxBlobMetadataRequestVersion),
		MaxBaseCipherLen:          ctx.Config.MaxBaseCipherLen,
		KCV:                       ctx.KCV,
		URLRefresh:                l.applyURLRefresh,
	}
	l.engine = &Engine{
		Pool:       ctx.Pool,
		HTTP:       ctx.HTTP,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Rediscover: l.rediscover,
	}
	return l
}

func (l *Loop) applyURLRefresh(urls []string) {
	l.Ctx.Pool.Drain()
	for _, u := range urls {
		l.Ctx.Pool.PushURL(u)
	}
	l.Ctx.LastRefreshTS.Store(time.Now().Unix())
}

func (l *Loop) rediscover(ctx context.Context) error {
	now := time.Now().Unix()
	if err := l.Ctx.Discovery.Discover(ctx, l.Ctx.Pool, true, now); err != nil {
		return err
	}
	l.Ctx.LastRefreshTS.Store(now)
	return nil
}

// Bootstrap runs the startup sequence of spec §4.7: discover(false) then
// procure(); both must succeed before the loop accepts RPCs.
func (l *Loop) Bootstrap(ctx context.Context) error {
	if err := l.Ctx.Discovery.Discover(ctx, l.Ctx.Pool, false, time.Now().Unix()); err != nil {
		return err
	}
	if err := l.Ctx.Tokens.Procure(l.Ctx.Config.TokenDetails); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"uid":       l.Ctx.UID,
		"endpoints": l.Ctx.Pool.Size(),
	}).Info("kms connector bootstrapped")
	return nil
}

// Run drives the event loop until ctx is cancelled or a worker returns a
// fail-fast error (spec §4.7). Each RPC is handled by its own short-lived
// goroutine under an errgroup.Group rather than a single long-running
// worker, so many requests can be awaiting their HTTP round trip at once
// instead of queuing behind one slow endpoint; the shared Pool and
// Context fields these workers reach into synchronize themselves (see
// urlpool.Pool and Context's doc comments). gctx is done either when the
// caller cancels ctx or when the first worker returns an error; ctx.Err is
// consulted to tell external cancellation apart from an errgroup-triggered
// one.
func (l *Loop) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for {
		select {
		case env := <-l.ByKeyIDs:
			g.Go(func() error { return l.handleByKeyIDs(gctx, env) })
		case env := <-l.LatestByDomain:
			g.Go(func() error { return l.handleLatestByDomain(gctx, env) })
		case env := <-l.BlobMetadata:
			g.Go(func() error { return l.handleBlobMetadata(gctx, env) })
		case <-gctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return g.Wait()
		}
	}
}

func (l *Loop) handleByKeyIDs(ctx context.Context, env byKeyIDsEnvelope) error {
	refresh := l.Ctx.ShouldRefreshURLs(time.Now())
	body, err := l.builder.BuildByKeyIDs(env.req, uint32(l.Ctx.Config.CurrentCipherRequestVersion), refresh)
	if err != nil {
		return l.replyByKeyIDs(env.reply, nil, err)
	}
	out, err := l.engine.Send(ctx, l.Ctx.Config.GetEncryptionKeysEndpoint, body, func(b []byte) (interface{}, error) {
		return l.parser.ParseCipherKeyResponse(b)
	})
	if err != nil {
		return l.replyByKeyIDs(env.reply, nil, err)
	}
	return l.replyByKeyIDs(env.reply, out.([]CipherKeyDetail), nil)
}

func (l *Loop) handleLatestByDomain(ctx context.Context, env latestByDomainEnvelope) error {
	refresh := l.Ctx.ShouldRefreshURLs(time.Now())
	body, err := l.builder.BuildLatestByDomainIDs(env.req, uint32(l.Ctx.Config.CurrentCipherRequestVersion), refresh)
	if err != nil {
		return l.replyLatestByDomain(env.reply, nil, err)
	}
	out, err := l.engine.Send(ctx, l.Ctx.Config.GetLatestEncryptionKeysEndpoint, body, func(b []byte) (interface{}, error) {
		return l.parser.ParseCipherKeyResponse(b)
	})
	if err != nil {
		return l.replyLatestByDomain(env.reply, nil, err)
	}
	return l.replyLatestByDomain(env.reply, out.([]CipherKeyDetail), nil)
}

func (l *Loop) handleBlobMetadata(ctx context.Context, env blobMetadataEnvelope) error {
	refresh := l.Ctx.ShouldRefreshURLs(time.Now())
	body, err := l.builder.BuildBlobMetadata(env.req, uint32(l.Ctx.Config.CurrentBlobMetadataRequestVersion), refresh)
	if err != nil {
		return l.replyBlobMetadata(env.reply, nil, err)
	}
	out, err := l.engine.Send(ctx, l.Ctx.Config.GetBlobMetadataEndpoint, body, func(b []byte) (interface{}, error) {
		return l.parser.ParseBlobMetadataResponse(b, time.Now())
	})
	if err != nil {
		return l.replyBlobMetadata(env.reply, nil, err)
	}
	return l.replyBlobMetadata(env.reply, out.([]BlobMetadataDetail), nil)
}

// replyByKeyIDs sends either the result or a filtered error (spec §7) to
// the reply channel. A non-reply-safe error is rethrown, terminating the
// worker and therefore, via the errgroup, the connector loop.
func (l *Loop) replyByKeyIDs(reply chan ByKeyIDsReply, details []CipherKeyDetail, err error) error {
	if err != nil && !kmserrors.ReplySafe(err) {
		return err
	}
	reply <- ByKeyIDsReply{Details: details, Err: err}
	return nil
}

func (l *Loop) replyLatestByDomain(reply chan LatestByDomainIDsReply, details []CipherKeyDetail, err error) error {
	if err != nil && !kmserrors.ReplySafe(err) {
		return err
	}
	reply <- LatestByDomainIDsReply{Details: details, Err: err}
	return nil
}

func (l *Loop) replyBlobMetadata(reply chan BlobMetadataReply, details []BlobMetadataDetail, err error) error {
	if err != nil && !kmserrors.ReplySafe(err) {
		return err
	}
	reply <- BlobMetadataReply{Details: details, Err: err}
	return nil
}

// RequestByKeyIDs submits a by-key-ids RPC and blocks for its reply. It
// is the caller-facing half of the ByKeyIDs stream; Run must already be
// driving the loop on another goroutine.
func (l *Loop) RequestByKeyIDs(ctx context.Context, req ByKeyIDsRequest) (ByKeyIDsReply, error) {
	reply := make(chan ByKeyIDsReply, 1)
	select {
	case l.ByKeyIDs <- byKeyIDsEnvelope{req: req, reply: reply}:
	case <-ctx.Done():
		return ByKeyIDsReply{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return ByKeyIDsReply{}, ctx.Err()
	}
}

// RequestLatestByDomainIDs submits a latest-by-domain-ids RPC and blocks
// for its reply.
func (l *Loop) RequestLatestByDomainIDs(ctx context.Context, req LatestByDomainIDsRequest) (LatestByDomainIDsReply, error) {
	reply := make(chan LatestByDomainIDsReply, 1)
	select {
	case l.LatestByDomain <- latestByDomainEnvelope{req: req, reply: reply}:
	case <-ctx.Done():
		return LatestByDomainIDsReply{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return LatestByDomainIDsReply{}, ctx.Err()
	}
}

// RequestBlobMetadata submits a blob-metadata RPC and blocks for its
// reply.
func (l *Loop) RequestBlobMetadata(ctx context.Context, req BlobMetadataRequest) (BlobMetadataReply, error) {
	reply := make(chan BlobMetadataReply, 1)
	select {
	case l.BlobMetadata <- blobMetadataEnvelope{req: req, reply: reply}:
	case <-ctx.Done():
		return BlobMetadataReply{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return BlobMetadataReply{}, ctx.Err()
	}
}
