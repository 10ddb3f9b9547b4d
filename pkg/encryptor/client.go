// Package encryptor wraps the external FHE encryptor service. The backend
// never sees plaintext ballots: InputHandles only retrieves handles the
// encryptor already registered for a (proposal, subject) pair, and
// DecryptPublic only opens handles the ledger has marked publicly decryptable
// (finished tallies).
package encryptor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sealedvote/sealedvote/pkg/utils"
	"go.uber.org/zap"
)

// ErrNoRegisteredInput is returned when the encryptor holds no input handles
// for the requested (proposal, subject) pair.
var ErrNoRegisteredInput = errors.New("encryptor: no registered input for subject")

// Handles is a registered ciphertext reference with its proof.
type Handles struct {
	CiphertextRef string `json:"ciphertextRef"`
	Proof         []byte `json:"proof,omitempty"`
}

// Client is the capability interface over the encryptor service.
type Client interface {
	// InputHandles fetches the registered input handles for a subject's vote
	// on a proposal. This is the compatibility path for clients that could
	// not attach handles to the submission itself.
	InputHandles(ctx context.Context, proposalID, subjectID string) (*Handles, error)

	// DecryptPublic opens a publicly decryptable handle, e.g. a finished
	// tally.
	DecryptPublic(ctx context.Context, handle string) (uint64, error)
}

// HTTPClient is the production Client.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPClient builds a client against the given encryptor endpoint.
func NewHTTPClient(endpoint string, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{endpoint: endpoint, client: httpClient, logger: logger}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNoRegisteredInput
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("encryptor: http %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) InputHandles(ctx context.Context, proposalID, subjectID string) (*Handles, error) {
	var h Handles
	path := fmt.Sprintf("/v1/inputs/%s/%s", proposalID, subjectID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &h); err != nil {
		return nil, err
	}
	if h.CiphertextRef == "" {
		return nil, ErrNoRegisteredInput
	}
	return &h, nil
}

func (c *HTTPClient) DecryptPublic(ctx context.Context, handle string) (uint64, error) {
	var out struct {
		Plaintext uint64 `json:"plaintext"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/decrypt", map[string]string{"handle": handle}, &out); err != nil {
		return 0, err
	}
	return out.Plaintext, nil
}

var _ Client = (*HTTPClient)(nil)

// MemEncryptor is the in-memory Client for tests.
type MemEncryptor struct {
	mu       sync.Mutex
	inputs   map[string]Handles
	decrypts map[string]uint64
}

func NewMemEncryptor() *MemEncryptor {
	return &MemEncryptor{
		inputs:   map[string]Handles{},
		decrypts: map[string]uint64{},
	}
}

func inputKey(proposalID, subjectID string) string { return proposalID + "/" + subjectID }

// RegisterInput stores handles as if a client had registered them.
func (m *MemEncryptor) RegisterInput(proposalID, subjectID string, h Handles) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[inputKey(proposalID, subjectID)] = h
}

// SetPlaintext scripts the public decryption of a handle.
func (m *MemEncryptor) SetPlaintext(handle string, plaintext uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decrypts[handle] = plaintext
}

func (m *MemEncryptor) InputHandles(ctx context.Context, proposalID, subjectID string) (*Handles, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.inputs[inputKey(proposalID, subjectID)]
	if !ok {
		return nil, ErrNoRegisteredInput
	}
	return &h, nil
}

func (m *MemEncryptor) DecryptPublic(ctx context.Context, handle string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.decrypts[handle]
	if !ok {
		return 0, fmt.Errorf("encryptor: handle not publicly decryptable")
	}
	return p, nil
}

var _ Client = (*MemEncryptor)(nil)
