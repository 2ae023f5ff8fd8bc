// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package auth validates request credentials against the remote policy
// service and enforces workspace scoping and usage quotas.
package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/traceloom/traceloom/pkg/log"
	"github.com/traceloom/traceloom/pkg/metrics"
	"github.com/traceloom/traceloom/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Credentials are the raw identifiers a request carries.
type Credentials struct {
	APIKey        string
	SessionToken  string
	WorkspaceName string
}

// Quota is one usage counter from the policy service.
type Quota struct {
	Type  string `json:"type"`
	Used  int64  `json:"used"`
	Limit int64  `json:"limit"`
}

// Principal is a validated caller. Anonymous principals exist only for
// public-project reads and carry no write rights.
type Principal struct {
	WorkspaceID string  `json:"workspace_id"`
	User        string  `json:"user"`
	Quotas      []Quota `json:"quotas"`
	Anonymous   bool    `json:"-"`
}

// QuotaExceeded reports whether any quota is used up.
func (p *Principal) QuotaExceeded() bool {
	for _, q := range p.Quotas {
		if q.Limit > 0 && q.Used >= q.Limit {
			return true
		}
	}
	return false
}

// Authenticator resolves credentials to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*Principal, error)
}

// RemoteAuthenticator calls the policy service and caches positive
// results for a short TTL, keeping the hot ingest path off the network.
type RemoteAuthenticator struct {
	baseURL string
	client  *http.Client
	cache   *gocache.Cache
}

// NewRemote builds an authenticator against the policy service.
func NewRemote(baseURL string, ttl time.Duration) *RemoteAuthenticator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RemoteAuthenticator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   gocache.New(ttl, 2*ttl),
	}
}

// Authenticate validates the credentials, consulting the cache first.
func (a *RemoteAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*Principal, error) {
	if creds.APIKey == "" && creds.SessionToken == "" {
		return nil, model.NewUnauthorized("Missing credentials")
	}
	key := cacheKey(creds)
	if cached, ok := a.cache.Get(key); ok {
		return cached.(*Principal), nil
	}

	start := time.Now()
	principal, err := a.check(ctx, creds)
	metrics.Since("auth.check_ms", start)
	if err != nil {
		return nil, err
	}
	a.cache.Set(key, principal, gocache.DefaultExpiration)
	return principal, nil
}

func (a *RemoteAuthenticator) check(ctx context.Context, creds Credentials) (*Principal, error) {
	payload, err := json.Marshal(map[string]string{"workspace_name": creds.WorkspaceName})
	if err != nil {
		return nil, errors.Wrap(err, "encoding auth request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/auth", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "building auth request")
	}
	req.Header.Set("Content-Type", "application/json")
	if creds.APIKey != "" {
		req.Header.Set("Authorization", creds.APIKey)
	}
	if creds.SessionToken != "" {
		req.AddCookie(&http.Cookie{Name: "sessionToken", Value: creds.SessionToken})
	}

	resp, err := a.client.Do(req)
	if err != nil {
		log.Warnf("policy service unreachable: %v", err) //nolint:errcheck
		return nil, model.NewInternal("")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, model.NewInternal("")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// The upstream payload is passed through verbatim.
		return nil, model.NewUnauthorized("%s", string(body))
	}
	if resp.StatusCode != http.StatusOK {
		log.Warnf("policy service returned %d", resp.StatusCode) //nolint:errcheck
		return nil, model.NewInternal("")
	}

	principal := new(Principal)
	if err := json.Unmarshal(body, principal); err != nil {
		return nil, model.NewInternal("")
	}
	if principal.WorkspaceID == "" {
		return nil, model.NewUnauthorized("Unknown workspace")
	}
	return principal, nil
}

func cacheKey(creds Credentials) string {
	sum := sha256.Sum256([]byte(creds.APIKey + "\x00" + creds.SessionToken + "\x00" + creds.WorkspaceName))
	return hex.EncodeToString(sum[:])
}

// SingleTenant authenticates everything into one fixed workspace; used
// for self-hosted deployments without a policy service.
type SingleTenant struct {
	Workspace string
}

// Authenticate returns the fixed workspace principal.
func (s *SingleTenant) Authenticate(_ context.Context, creds Credentials) (*Principal, error) {
	workspace := s.Workspace
	if creds.WorkspaceName != "" {
		workspace = creds.WorkspaceName
	}
	return &Principal{WorkspaceID: workspace, User: "admin"}, nil
}

// CheckQuota is the ingest gate: a caller over quota is rejected before
// any work happens.
func CheckQuota(p *Principal) error {
	if p.QuotaExceeded() {
		return model.NewQuotaExceeded()
	}
	return nil
}
