package billing

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
)

const defaultMemberstackAPIBaseURL = "https://admin.memberstack.com"

// IdentityProvider is the member directory synced after a first payment.
type IdentityProvider interface {
	GetMemberByEmail(ctx context.Context, email string) (*Member, error)
	CreateMember(ctx context.Context, email, password, planID string) (*Member, error)
	AddFreePlan(ctx context.Context, memberID, planID string) error
}

type Member struct {
	ID    string
	Email string
}

type MemberstackClient struct {
	SecretKey  string
	APIBaseURL string

	HTTPClient *http.Client
}

func NewMemberstackClient(cfg *config.Config) *MemberstackClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.MemberstackAPIBaseURL), "/")
	if base == "" {
		base = defaultMemberstackAPIBaseURL
	}
	return &MemberstackClient{
		SecretKey:  cfg.MemberstackSecretKey,
		APIBaseURL: base,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type memberstackMember struct {
	ID   string `json:"id"`
	Auth struct {
		Email string `json:"email"`
	} `json:"auth"`
}

func (m memberstackMember) toMember() *Member {
	return &Member{ID: strings.TrimSpace(m.ID), Email: strings.TrimSpace(m.Auth.Email)}
}

func (c *MemberstackClient) GetMemberByEmail(ctx context.Context, email string) (*Member, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("email is required")
	}
	var out struct {
		Data memberstackMember `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/members/"+url.PathEscape(email), nil, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, ErrMemberNotFound
	}
	return out.Data.toMember(), nil
}

// CreateMember creates a member with an optional free plan. A 409 response
// is reported as ErrMemberExists.
func (c *MemberstackClient) CreateMember(ctx context.Context, email, password, planID string) (*Member, error) {
	body := map[string]interface{}{
		"email":    strings.TrimSpace(email),
		"password": password,
	}
	if planID != "" {
		body["plans"] = []map[string]string{{"planId": planID}}
	}
	var out struct {
		Data memberstackMember `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/members", body, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, errors.New("memberstack create member returned empty id")
	}
	return out.Data.toMember(), nil
}

func (c *MemberstackClient) AddFreePlan(ctx context.Context, memberID, planID string) error {
	if strings.TrimSpace(memberID) == "" || strings.TrimSpace(planID) == "" {
		return errors.New("member id and plan id are required")
	}
	return c.do(ctx, http.MethodPost, "/members/"+url.PathEscape(memberID)+"/add-plan", map[string]string{"planId": planID}, nil)
}

func (c *MemberstackClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("MEMBERSTACK_SECRET_KEY is not configured")
	}

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIBaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-KEY", c.SecretKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("memberstack %s %s: %w: %v", method, path, ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrMemberNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrMemberExists
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("memberstack %s %s: %w: status=%d", method, path, ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("memberstack %s %s failed: status=%d body=%s", method, path, resp.StatusCode, string(body))
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// randomPassword returns a 32 character hex password for members created on
// the user's behalf; they reset it through the login flow.
func randomPassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
