package firebase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	identitytoolkit "google.golang.org/api/identitytoolkit/v1"

	"xtodo/backend"
	"xtodo/internal/utils"
)

// refreshSkew renews the ID token this long before it expires.
const refreshSkew = time.Minute

type tokenSet struct {
	user         backend.User
	idToken      string
	refreshToken string
	expiresAt    time.Time
}

// signIn is the part of every Identity Toolkit sign-in response the session
// needs.
type signIn struct {
	localID      string
	email        string
	displayName  string
	idToken      string
	refreshToken string
	expiresIn    int64
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in,string"`
	UserID       string `json:"user_id"`
}

func (b *Backend) expiry(secs int64) time.Time {
	if secs <= 0 {
		secs = 3600
	}
	return b.now().Add(time.Duration(secs) * time.Second)
}

// refresh exchanges a refresh token at the Secure Token endpoint.
func (b *Backend) refresh(ctx context.Context, refreshToken string) (*refreshResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	target := b.cfg.TokenURL + "?key=" + url.QueryEscape(b.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := googleapi.CheckResponse(resp); err != nil {
		return nil, authError(err)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &out, nil
}

func (b *Backend) lookup(ctx context.Context, idToken string) (*backend.User, error) {
	out, err := b.accounts.Lookup(&identitytoolkit.GoogleCloudIdentitytoolkitV1GetAccountInfoRequest{
		IdToken: idToken,
	}).Context(ctx).Do(b.apiKey())
	if err != nil {
		return nil, authError(err)
	}
	if len(out.Users) == 0 {
		return nil, backend.NewAuthError(backend.ErrNotSignedIn, "USER_NOT_FOUND", "Your session has expired. Please sign in again.")
	}
	u := out.Users[0]
	provider := backend.ProviderPassword
	for _, p := range u.ProviderUserInfo {
		if p.ProviderId != backend.ProviderPassword {
			provider = p.ProviderId
			break
		}
	}
	return &backend.User{UID: u.LocalId, Email: u.Email, DisplayName: u.DisplayName, Provider: provider}, nil
}

// restore exchanges the stored refresh token for a session. It runs once,
// before the first auth delivery or auth call.
func (b *Backend) restore() {
	ctx := context.Background()
	log := utils.GetLogger()

	stored, err := b.tokens.LoadToken(ctx)
	if err != nil {
		log.Warn("failed to load refresh token", "component", "firebase", "err", err)
	}

	var sess *tokenSet
	if stored != "" {
		sess, err = b.resume(ctx, stored)
		switch {
		case err == nil:
		case errors.Is(err, backend.ErrNotSignedIn):
			log.Debug("stored session is no longer valid", "component", "firebase")
			_ = b.tokens.ClearToken(ctx)
		default:
			log.Warn("failed to restore session", "component", "firebase", "err", err)
		}
	}

	b.mu.Lock()
	b.sess = sess
	b.mu.Unlock()

	b.notifyAuth()
}

func (b *Backend) resume(ctx context.Context, refreshToken string) (*tokenSet, error) {
	r, err := b.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	u, err := b.lookup(ctx, r.IDToken)
	if err != nil {
		return nil, err
	}
	if r.RefreshToken != "" && r.RefreshToken != refreshToken {
		_ = b.tokens.SaveToken(ctx, r.RefreshToken)
	} else {
		r.RefreshToken = refreshToken
	}
	return &tokenSet{user: *u, idToken: r.IDToken, refreshToken: r.RefreshToken, expiresAt: b.expiry(r.ExpiresIn)}, nil
}

func (b *Backend) ensureRestored() {
	b.restoreOnce.Do(b.restore)
}

func (b *Backend) currentUser() *backend.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userLocked()
}

func (b *Backend) userLocked() *backend.User {
	if b.sess == nil {
		return nil
	}
	u := b.sess.user
	return &u
}

// notifyAuth delivers the current user to every auth observer.
func (b *Backend) notifyAuth() {
	b.authMu.Lock()
	defer b.authMu.Unlock()

	b.mu.Lock()
	u := b.userLocked()
	obs := make([]*authObserver, 0, len(b.authObs))
	for _, o := range b.authObs {
		o.initialized = true
		obs = append(obs, o)
	}
	b.mu.Unlock()

	for _, o := range obs {
		o.fn(u)
	}
}

// OnAuthStateChanged implements backend.Auth. The first delivery happens on
// another goroutine once the stored session has been restored.
func (b *Backend) OnAuthStateChanged(fn func(*backend.User)) backend.Unsubscribe {
	o := &authObserver{fn: fn}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.authObs[id] = o
	b.mu.Unlock()

	go func() {
		b.ensureRestored()

		b.authMu.Lock()
		defer b.authMu.Unlock()
		b.mu.Lock()
		_, registered := b.authObs[id]
		deliver := registered && !o.initialized
		o.initialized = true
		u := b.userLocked()
		b.mu.Unlock()
		if deliver {
			fn(u)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.authObs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Backend) startSession(ctx context.Context, r signIn, provider string) (*backend.User, error) {
	if r.localID == "" || r.idToken == "" {
		return nil, errors.New("firebase: incomplete sign-in response")
	}
	sess := &tokenSet{
		user: backend.User{
			UID:         r.localID,
			Email:       r.email,
			DisplayName: r.displayName,
			Provider:    provider,
		},
		idToken:      r.idToken,
		refreshToken: r.refreshToken,
		expiresAt:    b.expiry(r.expiresIn),
	}

	b.mu.Lock()
	b.sess = sess
	b.mu.Unlock()

	if err := b.tokens.SaveToken(ctx, r.refreshToken); err != nil {
		utils.GetLogger().Warn("session will not survive a restart", "component", "firebase", "err", err)
	}
	b.notifyAuth()

	u := sess.user
	return &u, nil
}

// SignInWithPassword implements backend.Auth.
func (b *Backend) SignInWithPassword(ctx context.Context, email, password string) (*backend.User, error) {
	b.ensureRestored()
	r, err := b.accounts.SignInWithPassword(&identitytoolkit.GoogleCloudIdentitytoolkitV1SignInWithPasswordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}).Context(ctx).Do(b.apiKey())
	if err != nil {
		return nil, authError(err)
	}
	return b.startSession(ctx, signIn{
		localID:      r.LocalId,
		email:        r.Email,
		displayName:  r.DisplayName,
		idToken:      r.IdToken,
		refreshToken: r.RefreshToken,
		expiresIn:    r.ExpiresIn,
	}, backend.ProviderPassword)
}

// CreateUser implements backend.Auth.
func (b *Backend) CreateUser(ctx context.Context, email, password string) (*backend.User, error) {
	b.ensureRestored()
	r, err := b.accounts.SignUp(&identitytoolkit.GoogleCloudIdentitytoolkitV1SignUpRequest{
		Email:    email,
		Password: password,
	}).Context(ctx).Do(b.apiKey())
	if err != nil {
		return nil, authError(err)
	}
	return b.startSession(ctx, signIn{
		localID:      r.LocalId,
		email:        r.Email,
		displayName:  r.DisplayName,
		idToken:      r.IdToken,
		refreshToken: r.RefreshToken,
		expiresIn:    r.ExpiresIn,
	}, backend.ProviderPassword)
}

// SignInWithIdentity implements backend.Auth by handing the provider's
// credential to accounts:signInWithIdp.
func (b *Backend) SignInWithIdentity(ctx context.Context, id backend.Identity) (*backend.User, error) {
	b.ensureRestored()

	post := url.Values{}
	post.Set("providerId", id.Provider)
	switch {
	case id.IDToken != "":
		post.Set("id_token", id.IDToken)
	case id.AccessToken != "":
		post.Set("access_token", id.AccessToken)
	default:
		return nil, backend.NewAuthError(backend.ErrInvalidCredentials, "INVALID_IDP_RESPONSE", "The identity provider response is incomplete.")
	}

	r, err := b.accounts.SignInWithIdp(&identitytoolkit.GoogleCloudIdentitytoolkitV1SignInWithIdpRequest{
		PostBody:            post.Encode(),
		RequestUri:          "http://localhost",
		ReturnSecureToken:   true,
		ReturnIdpCredential: true,
	}).Context(ctx).Do(b.apiKey())
	if err != nil {
		return nil, authError(err)
	}
	si := signIn{
		localID:      r.LocalId,
		email:        r.Email,
		displayName:  r.DisplayName,
		idToken:      r.IdToken,
		refreshToken: r.RefreshToken,
		expiresIn:    r.ExpiresIn,
	}
	if si.email == "" {
		si.email = strings.ToLower(id.Email)
	}
	if si.displayName == "" {
		si.displayName = id.Name
	}
	return b.startSession(ctx, si, id.Provider)
}

// SignOut implements backend.Auth. Firebase has no server-side sign-out for
// REST clients, so this drops the tokens locally. A keyring that cannot be
// cleared is logged; signing out twice is a no-op.
func (b *Backend) SignOut(ctx context.Context) error {
	b.ensureRestored()

	b.mu.Lock()
	was := b.sess
	b.sess = nil
	b.mu.Unlock()

	if err := b.tokens.ClearToken(ctx); err != nil {
		utils.GetLogger().Warn("failed to clear stored session", "component", "firebase", "err", err)
	}
	if was != nil {
		b.notifyAuth()
	}
	return nil
}

// idToken returns a valid ID token for the signed-in user, refreshing it when
// it is about to expire. A rejected refresh ends the session.
func (b *Backend) idToken(ctx context.Context) (string, error) {
	b.refreshMu.Lock()
	defer b.refreshMu.Unlock()

	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return "", backend.ErrNotSignedIn
	}
	if b.now().Add(refreshSkew).Before(sess.expiresAt) {
		return sess.idToken, nil
	}

	r, err := b.refresh(ctx, sess.refreshToken)
	if err != nil {
		if errors.Is(err, backend.ErrNotSignedIn) {
			b.expire(ctx, sess)
		}
		return "", err
	}

	next := *sess
	next.idToken = r.IDToken
	next.expiresAt = b.expiry(r.ExpiresIn)
	if r.RefreshToken != "" && r.RefreshToken != sess.refreshToken {
		next.refreshToken = r.RefreshToken
		_ = b.tokens.SaveToken(ctx, r.RefreshToken)
	}

	b.mu.Lock()
	if b.sess == sess {
		b.sess = &next
	}
	b.mu.Unlock()

	utils.GetLogger().Debug("refreshed id token", "component", "firebase")
	return next.idToken, nil
}

// expire drops sess if it is still current and tells observers.
func (b *Backend) expire(ctx context.Context, sess *tokenSet) {
	b.mu.Lock()
	current := b.sess == sess
	if current {
		b.sess = nil
	}
	b.mu.Unlock()
	if !current {
		return
	}
	utils.GetLogger().Warn("session expired", "component", "firebase")
	_ = b.tokens.ClearToken(ctx)
	go b.notifyAuth()
}
