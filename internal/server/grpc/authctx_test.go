package grpcserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/service"
)

func makeJWT(t *testing.T, sub string, key []byte, method jwt.SigningMethod, iat time.Time, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    "peersync",
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(iat),
		NotBefore: jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func ctxWithAuth(token string) context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer " + token,
	})
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestWithPeerID_And_PeerIDFromCtx(t *testing.T) {
	t.Parallel()

	if id, ok := PeerIDFromCtx(context.Background()); ok || id != "" {
		t.Fatalf("expected no peer id in empty ctx")
	}

	ctx := WithPeerID(context.Background(), "peer-a")
	got, ok := PeerIDFromCtx(ctx)
	if !ok || got != "peer-a" {
		t.Fatalf("got %q ok=%v", got, ok)
	}

	if _, ok := PeerIDFromCtx(WithPeerID(context.Background(), "")); ok {
		t.Fatalf("empty identity must not count")
	}
	bad := context.WithValue(context.Background(), peerIDKey, 42)
	if _, ok := PeerIDFromCtx(bad); ok {
		t.Fatalf("expected miss on wrong typed value")
	}
}

func Test_peerIDFromMD(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	now := time.Now().UTC()

	tok, _, err := service.IssuePeerToken(key, "peer-a", time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := peerIDFromMD(ctxWithAuth(tok), key)
	if err != nil || id != "peer-a" {
		t.Fatalf("valid: got %q err=%v", id, err)
	}

	cases := map[string]context.Context{
		"no metadata": context.Background(),
		"non-bearer":  metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo")),
		"empty token": metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   ")),
		"garbage":     ctxWithAuth("this-is-not-a-jwt"),
		"expired":     ctxWithAuth(makeJWT(t, "peer-a", key, jwt.SigningMethodHS256, now.Add(-2*time.Hour), time.Hour)),
		"wrong alg":   ctxWithAuth(makeJWT(t, "peer-a", key, jwt.SigningMethodHS384, now, time.Hour)),
		"wrong key":   ctxWithAuth(makeJWT(t, "peer-a", []byte("other"), jwt.SigningMethodHS256, now, time.Hour)),
	}
	for name, ctx := range cases {
		if _, err := peerIDFromMD(ctx, key); !errors.Is(err, errs.ErrUnauthorized) {
			t.Fatalf("%s: want ErrUnauthorized, got %v", name, err)
		}
	}
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

func TestAuthStream(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	ic := AuthStream(key)
	info := &grpc.StreamServerInfo{FullMethod: ConnectMethod}

	var seen string
	h := func(_ any, ss grpc.ServerStream) error {
		seen, _ = PeerIDFromCtx(ss.Context())
		return nil
	}

	err := ic(nil, &fakeServerStream{ctx: context.Background()}, info, h)
	if st, ok := status.FromError(err); !ok || st.Code() != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", err)
	}
	if seen != "" {
		t.Fatalf("handler must not run without auth")
	}

	tok, _, _ := service.IssuePeerToken(key, "peer-b", time.Hour, time.Now())
	if err := ic(nil, &fakeServerStream{ctx: ctxWithAuth(tok)}, info, h); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if seen != "peer-b" {
		t.Fatalf("peer id not propagated: %q", seen)
	}
}
