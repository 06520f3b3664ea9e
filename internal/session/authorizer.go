// Package session decides who may join a document's collaboration
// channels. The default answer is no: every missing precondition maps to a
// denial, and the authorization path never creates state.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"warmanager/collab/internal/identity"
	"warmanager/collab/internal/metrics"
	"warmanager/collab/internal/store"
)

// ErrNotAuthorized is the single terminal error of the authorize path.
// Callers map it to a 403; the underlying reason stays in the logs.
var ErrNotAuthorized = errors.New("not authorized")

// DocumentFinder is the slice of the canonical store the authorizer needs.
type DocumentFinder interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
}

// GrantResponse is what a successful authorization returns: the signed
// grant plus the minimal member profile the presence UI displays.
type GrantResponse struct {
	Auth   string            `json:"auth"`
	Member identity.Identity `json:"member"`
}

type Authorizer struct {
	secret     []byte
	grantTTL   time.Duration
	identities identity.Provider
	documents  DocumentFinder
	log        zerolog.Logger
	metrics    *metrics.Metrics
}

func NewAuthorizer(secret []byte, grantTTL time.Duration, identities identity.Provider, documents DocumentFinder, log zerolog.Logger, m *metrics.Metrics) *Authorizer {
	return &Authorizer{
		secret:     secret,
		grantTTL:   grantTTL,
		identities: identities,
		documents:  documents,
		log:        log,
		metrics:    m,
	}
}

// Authorize admits or denies one connection attempt for one channel. Reads
// the canonical store, mutates nothing.
func (a *Authorizer) Authorize(ctx context.Context, credentials, channelName, connectionNonce string) (GrantResponse, error) {
	if connectionNonce == "" {
		return a.deny("missing_nonce", fmt.Errorf("connection nonce is required"))
	}

	who, err := a.identities.Resolve(ctx, credentials)
	if err != nil {
		return a.deny("no_identity", err)
	}

	documentID, err := ParseChannel(channelName)
	if err != nil {
		return a.deny("malformed_channel", err)
	}

	if _, err := a.documents.GetDocument(ctx, documentID); err != nil {
		// Absent document fails closed; no implicit creation through the
		// authorization path. A store fault denies as well.
		return a.deny("document_lookup", err)
	}

	grant := Grant{
		UserID:     who.UserID,
		DocumentID: documentID,
		Channel:    channelName,
		Nonce:      connectionNonce,
		Name:       who.Name,
		Email:      who.Email,
		AvatarURL:  who.AvatarURL,
		Exp:        time.Now().Add(a.grantTTL).Unix(),
	}
	signed, err := SignGrant(a.secret, grant)
	if err != nil {
		return a.deny("sign_grant", err)
	}

	if a.metrics != nil {
		a.metrics.AuthGrants.Inc()
	}
	a.log.Info().
		Str("user", who.UserID).
		Str("channel", channelName).
		Msg("session authorized")
	return GrantResponse{Auth: signed, Member: who}, nil
}

func (a *Authorizer) deny(reason string, cause error) (GrantResponse, error) {
	if a.metrics != nil {
		a.metrics.AuthDenials.WithLabelValues(reason).Inc()
	}
	a.log.Warn().Str("reason", reason).Err(cause).Msg("session authorization denied")
	return GrantResponse{}, fmt.Errorf("%w: %s", ErrNotAuthorized, reason)
}

// Verify checks a grant token against a channel and nonce. The transport
// and presence layers call this at admission time.
func (a *Authorizer) Verify(token, channelName, connectionNonce string) (Grant, error) {
	grant, err := VerifyGrant(a.secret, token)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	if grant.Channel != channelName || grant.Nonce != connectionNonce {
		return Grant{}, fmt.Errorf("%w: grant scope mismatch", ErrNotAuthorized)
	}
	return grant, nil
}
