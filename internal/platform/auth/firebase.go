package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// FirebaseVerifier checks staff ID tokens with the Firebase Admin SDK and translates SDK
// failures into the package sentinels the middleware maps to responses.
type FirebaseVerifier struct {
	client       *firebaseauth.Client
	checkRevoked bool
}

type firebaseSettings struct {
	checkRevoked bool
	clientOpts   []option.ClientOption
}

// FirebaseOption customises NewFirebaseVerifier.
type FirebaseOption func(*firebaseSettings)

// WithRevocationCheck makes every verification a round trip to Firebase so disabled staff
// accounts lose access before their token expires.
func WithRevocationCheck(enabled bool) FirebaseOption {
	return func(s *firebaseSettings) { s.checkRevoked = enabled }
}

func WithFirebaseCredentialsFile(path string) FirebaseOption {
	return func(s *firebaseSettings) {
		if path = strings.TrimSpace(path); path != "" {
			s.clientOpts = append(s.clientOpts, option.WithCredentialsFile(path))
		}
	}
}

func NewFirebaseVerifier(ctx context.Context, projectID string, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var s firebaseSettings
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, s.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase auth client: %w", err)
	}
	return &FirebaseVerifier{client: client, checkRevoked: s.checkRevoked}, nil
}

func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("auth: firebase verifier not initialised")
	}
	var (
		token *firebaseauth.Token
		err   error
	)
	if v.checkRevoked {
		token, err = v.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	} else {
		token, err = v.client.VerifyIDToken(ctx, idToken)
	}
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, err
	case firebaseauth.IsIDTokenExpired(err):
		return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case firebaseauth.IsIDTokenRevoked(err), firebaseauth.IsUserDisabled(err):
		return nil, fmt.Errorf("%w: %v", ErrTokenRevoked, err)
	case firebaseauth.IsIDTokenInvalid(err):
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return nil, err
}
