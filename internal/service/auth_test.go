package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atinyakov/modelsync/internal/models"
	"github.com/atinyakov/modelsync/internal/repository"
	"github.com/golang-jwt/jwt/v5"
)

// memAuthRepo is an in-memory AuthRepository.
type memAuthRepo struct {
	mu       sync.Mutex
	links    map[string]link
	users    map[string]models.User // by email
	refresh  map[string]refreshRow
	failSave error
}

type link struct {
	email   string
	expires time.Time
	used    bool
}

type refreshRow struct {
	userID  string
	expires time.Time
	revoked bool
}

func newMemAuthRepo() *memAuthRepo {
	return &memAuthRepo{
		links:   map[string]link{},
		users:   map[string]models.User{},
		refresh: map[string]refreshRow{},
	}
}

func (m *memAuthRepo) CreateMagicLink(_ context.Context, token, email string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[token] = link{email: email, expires: expiresAt}
	return nil
}

func (m *memAuthRepo) ConsumeMagicLink(_ context.Context, token string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[token]
	if !ok || l.used || !l.expires.After(now) {
		return "", repository.ErrNotFound
	}
	l.used = true
	m.links[token] = l
	return l.email, nil
}

func (m *memAuthRepo) UpsertUser(_ context.Context, id, email string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[email]; ok {
		return u, nil
	}
	u := models.User{ID: id, Email: email}
	m.users[email] = u
	return u, nil
}

func (m *memAuthRepo) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return models.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (m *memAuthRepo) SaveRefreshToken(_ context.Context, token, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	m.refresh[token] = refreshRow{userID: userID, expires: expiresAt}
	return nil
}

func (m *memAuthRepo) ConsumeRefreshToken(_ context.Context, token string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refresh[token]
	if !ok || r.revoked || !r.expires.After(now) {
		return "", repository.ErrNotFound
	}
	r.revoked = true
	m.refresh[token] = r
	return r.userID, nil
}

func (m *memAuthRepo) RevokeRefreshToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.refresh[token]; ok {
		r.revoked = true
		m.refresh[token] = r
	}
	return nil
}

type captureMailer struct {
	email, token string
}

func (c *captureMailer) SendMagicLink(_ context.Context, email, token string) error {
	c.email, c.token = email, token
	return nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newAuth(t *testing.T) (*AuthService, *memAuthRepo, *captureMailer, *clock) {
	t.Helper()
	repo := newMemAuthRepo()
	mailer := &captureMailer{}
	clk := &clock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewAuthService(repo, mailer, "test-secret")
	svc.Now = clk.Now
	return svc, repo, mailer, clk
}

func TestRequestMagicLink(t *testing.T) {
	svc, repo, mailer, _ := newAuth(t)

	if err := svc.RequestMagicLink(context.Background(), " Ada@Example.com "); err != nil {
		t.Fatalf("RequestMagicLink error: %v", err)
	}
	if mailer.email != "ada@example.com" || mailer.token == "" {
		t.Errorf("mailer got email=%q token=%q", mailer.email, mailer.token)
	}
	if l := repo.links[mailer.token]; !l.expires.Equal(svc.Now().Add(DefaultMagicLinkTTL)) {
		t.Errorf("link expires %v", l.expires)
	}

	if err := svc.RequestMagicLink(context.Background(), "not-an-email"); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("err = %v; want ErrInvalidEmail", err)
	}
}

func TestVerify_CreatesSessionOnce(t *testing.T) {
	svc, _, mailer, _ := newAuth(t)
	ctx := context.Background()
	if err := svc.RequestMagicLink(ctx, "ada@example.com"); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.Verify(ctx, mailer.token)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if resp.User.Email != "ada@example.com" || resp.User.ID == "" {
		t.Errorf("user = %+v", resp.User)
	}
	sub, err := svc.ParseAccessToken(resp.AccessToken)
	if err != nil || sub != resp.User.ID {
		t.Errorf("ParseAccessToken = %q, %v", sub, err)
	}

	if _, err := svc.Verify(ctx, mailer.token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("reused link err = %v; want ErrInvalidToken", err)
	}
}

func TestVerify_ExpiredLink(t *testing.T) {
	svc, _, mailer, clk := newAuth(t)
	if err := svc.RequestMagicLink(context.Background(), "ada@example.com"); err != nil {
		t.Fatal(err)
	}
	clk.now = clk.now.Add(DefaultMagicLinkTTL + time.Second)
	if _, err := svc.Verify(context.Background(), mailer.token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v; want ErrInvalidToken", err)
	}
}

func TestVerify_SameUserOnSecondSignIn(t *testing.T) {
	svc, _, mailer, _ := newAuth(t)
	ctx := context.Background()

	_ = svc.RequestMagicLink(ctx, "ada@example.com")
	first, err := svc.Verify(ctx, mailer.token)
	if err != nil {
		t.Fatal(err)
	}
	_ = svc.RequestMagicLink(ctx, "ada@example.com")
	second, err := svc.Verify(ctx, mailer.token)
	if err != nil {
		t.Fatal(err)
	}
	if first.User.ID != second.User.ID {
		t.Errorf("user ids differ: %q vs %q", first.User.ID, second.User.ID)
	}
}

func TestRefresh_Rotates(t *testing.T) {
	svc, _, mailer, _ := newAuth(t)
	ctx := context.Background()
	_ = svc.RequestMagicLink(ctx, "ada@example.com")
	sess, err := svc.Verify(ctx, mailer.token)
	if err != nil {
		t.Fatal(err)
	}

	rotated, err := svc.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if rotated.RefreshToken == sess.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if _, err := svc.Refresh(ctx, sess.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("old refresh token err = %v; want ErrInvalidToken", err)
	}

	if err := svc.Logout(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if _, err := svc.Refresh(ctx, rotated.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("revoked token err = %v; want ErrInvalidToken", err)
	}
}

func TestParseAccessToken_Expired(t *testing.T) {
	svc, _, mailer, clk := newAuth(t)
	ctx := context.Background()
	_ = svc.RequestMagicLink(ctx, "ada@example.com")
	sess, err := svc.Verify(ctx, mailer.token)
	if err != nil {
		t.Fatal(err)
	}

	clk.now = clk.now.Add(DefaultAccessTTL + time.Minute)
	_, err = svc.ParseAccessToken(sess.AccessToken)
	if !errors.Is(err, ErrInvalidToken) || !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("err = %v; want ErrInvalidToken and jwt.ErrTokenExpired", err)
	}
}

func TestParseAccessToken_Forged(t *testing.T) {
	svc, _, _, _ := newAuth(t)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"}).
		SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ParseAccessToken(forged); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v; want ErrInvalidToken", err)
	}
	if _, err := svc.ParseAccessToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v; want ErrInvalidToken", err)
	}
}

func TestVerify_RefreshSaveFails(t *testing.T) {
	svc, repo, mailer, _ := newAuth(t)
	ctx := context.Background()
	_ = svc.RequestMagicLink(ctx, "ada@example.com")
	repo.failSave = errors.New("disk full")

	if _, err := svc.Verify(ctx, mailer.token); !errors.Is(err, repo.failSave) {
		t.Errorf("err = %v; want %v", err, repo.failSave)
	}
}

func TestLookupUser(t *testing.T) {
	svc, repo, _, _ := newAuth(t)
	repo.users["bob@example.com"] = models.User{ID: "u2", Email: "bob@example.com"}

	u, err := svc.LookupUser(context.Background(), " Bob@Example.com")
	if err != nil || u.ID != "u2" {
		t.Errorf("LookupUser = %+v, %v", u, err)
	}
	if _, err := svc.LookupUser(context.Background(), "nobody@example.com"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("err = %v; want ErrNotFound", err)
	}
}
