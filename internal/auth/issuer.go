package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"paintboard/server/internal/store"
)

// DefaultPasteURL is the paste-service endpoint the issuer queries; the
// paste id is appended to it.
const DefaultPasteURL = "https://www.luogu.com.cn/paste/"

// IssueError classifies a rejected token request for the HTTP surface.
type IssueError string

const (
	ErrNone            IssueError = ""
	ErrPasteNotFound   IssueError = "PASTE_NOT_FOUND"
	ErrUIDMismatch     IssueError = "UID_MISMATCH"
	ErrContentMismatch IssueError = "CONTENT_MISMATCH"
	ErrUIDNotAllowed   IssueError = "UID_NOT_ALLOWED"
	ErrServer          IssueError = "SERVER_ERROR"
)

type pasteResponse struct {
	Code        int `json:"code"`
	CurrentData struct {
		Paste struct {
			Data string `json:"data"`
			User struct {
				UID int `json:"uid"`
			} `json:"user"`
		} `json:"paste"`
	} `json:"currentData"`
}

// Issuer validates paste proofs against the external paste service and
// rotates tokens in the registry and durable storage.
type Issuer struct {
	registry *Registry
	store    store.Store
	client   *http.Client
	log      *zap.SugaredLogger

	// BaseURL and Expected are fixed at construction; MaxUID of zero means
	// unlimited.
	baseURL  string
	expected string
	maxUID   int

	// mu serializes rotations so the registry write and the storage writes
	// form one transaction boundary per uid.
	mu sync.Mutex
}

// NewIssuer constructs an issuer. A nil store disables persistence.
func NewIssuer(registry *Registry, st store.Store, expectedPaste string, maxUID int, log *zap.SugaredLogger) *Issuer {
	return &Issuer{
		registry: registry,
		store:    st,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
		baseURL:  DefaultPasteURL,
		expected: expectedPaste,
		maxUID:   maxUID,
	}
}

// SetBaseURL overrides the paste-service endpoint.
func (i *Issuer) SetBaseURL(base string) { i.baseURL = base }

// GenerateToken validates the paste proof for uid and, on success, rotates
// the uid's token. The returned IssueError is ErrNone on success.
func (i *Issuer) GenerateToken(ctx context.Context, uid int, pasteID string) (string, IssueError) {
	if i.maxUID > 0 && uid > i.maxUID {
		return "", ErrUIDNotAllowed
	}

	// The paste id is client input; escape it so it cannot redirect the
	// request path on the external service.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.baseURL+url.PathEscape(pasteID)+"?_contentOnly=1", nil)
	if err != nil {
		return "", ErrServer
	}

	resp, err := i.client.Do(req)
	if err != nil {
		i.log.Warnw("paste service unreachable", "paste", pasteID, "error", err)
		return "", ErrServer
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrPasteNotFound
	}
	if resp.StatusCode != http.StatusOK {
		i.log.Warnw("paste service returned unexpected status", "paste", pasteID, "status", resp.StatusCode)
		return "", ErrServer
	}

	var paste pasteResponse
	if err := json.NewDecoder(resp.Body).Decode(&paste); err != nil {
		return "", ErrServer
	}
	if paste.Code != http.StatusOK {
		return "", ErrServer
	}
	if paste.CurrentData.Paste.User.UID != uid {
		return "", ErrUIDMismatch
	}
	if paste.CurrentData.Paste.Data != i.expected {
		return "", ErrContentMismatch
	}

	token, err := i.rotate(uid)
	if err != nil {
		i.log.Errorw("token rotation failed", "uid", uid, "error", err)
		return "", ErrServer
	}

	i.log.Infow("token issued", "uid", uid)
	return token, ErrNone
}

// rotate atomically replaces the uid's token in memory and storage.
func (i *Issuer) rotate(uid int) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	token := i.registry.Issue(uid)
	if i.store == nil {
		return token, nil
	}
	if err := i.store.DeleteTokensByUID(uid); err != nil {
		return "", fmt.Errorf("delete prior tokens: %w", err)
	}
	if err := i.store.SaveToken(token, uid); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}
	return token, nil
}
