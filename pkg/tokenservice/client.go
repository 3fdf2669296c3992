package tokenservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
)

// FetchToken asks the token service at baseURL for a connection token. Non-200 answers map
// back onto the same typed errors IssueToken returns.
func FetchToken(ctx context.Context, client *http.Client, baseURL, identity, secret string) (TokenResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(TokenRequest{ClientIdentity: identity, Secret: secret})
	if err != nil {
		return TokenResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		failure := errorResponse{}
		json.NewDecoder(resp.Body).Decode(&failure)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return TokenResponse{}, &errors.Unauthorized{Identity: identity}
		case http.StatusServiceUnavailable:
			return TokenResponse{}, &errors.ServiceUnavailable{Reason: failure.Error}
		}
		return TokenResponse{}, fmt.Errorf("token service answered %d: %s", resp.StatusCode, failure.Error)
	}

	out := TokenResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	return out, nil
}
