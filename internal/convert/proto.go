// Package convert maps pairing messages to the protobuf well-known types
// carried by the gRPC service.
package convert

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/model"
)

// Pairing message field names.
const (
	FieldIdentity    = "identity"
	FieldCode        = "code"
	FieldAccessToken = "access_token"
	FieldExpiresAt   = "expires_at"
)

// --- pairing ---

// ToProtoPairRequest builds the Pair request.
func ToProtoPairRequest(identity, code string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		FieldIdentity: identity,
		FieldCode:     code,
	})
}

// FromProtoPairRequest reads identity and code; both are required.
func FromProtoPairRequest(in *structpb.Struct) (identity, code string, err error) {
	identity, err = stringField(in, FieldIdentity)
	if err != nil {
		return "", "", err
	}
	code, err = stringField(in, FieldCode)
	if err != nil {
		return "", "", err
	}
	return identity, code, nil
}

// ToProtoTokens builds the Pair response.
func ToProtoTokens(t model.Tokens) (*structpb.Struct, error) {
	m := map[string]any{FieldAccessToken: t.AccessToken}
	if !t.ExpiresAt.IsZero() {
		m[FieldExpiresAt] = t.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return structpb.NewStruct(m)
}

// FromProtoTokens reads the Pair response.
func FromProtoTokens(in *structpb.Struct) (model.Tokens, error) {
	tok, err := stringField(in, FieldAccessToken)
	if err != nil {
		return model.Tokens{}, err
	}
	out := model.Tokens{AccessToken: tok}
	if v, ok := in.GetFields()[FieldExpiresAt]; ok {
		at, err := time.Parse(time.RFC3339, v.GetStringValue())
		if err != nil {
			return model.Tokens{}, fmt.Errorf("%s: %v: %w", FieldExpiresAt, err, errs.ErrMalformedPayload)
		}
		out.ExpiresAt = at
	}
	return out, nil
}

func stringField(in *structpb.Struct, name string) (string, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return "", fmt.Errorf("missing %s: %w", name, errs.ErrMalformedPayload)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || s.StringValue == "" {
		return "", fmt.Errorf("empty %s: %w", name, errs.ErrMalformedPayload)
	}
	return s.StringValue, nil
}
