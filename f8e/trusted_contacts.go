package f8e

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/keyrecovery/recoveryd/recovery"
)

type certificateJSON struct {
	DelegatedDecryptionKey string `json:"delegated_decryption_key"`
	AppGlobalAuthKey       string `json:"app_global_auth_key"`
	HardwareAuthKey        string `json:"hardware_auth_key"`
	AppSignature           string `json:"app_signature"`
}

type relationshipJSON struct {
	RelationshipID string           `json:"relationship_id"`
	Alias          string           `json:"alias"`
	Certificate    *certificateJSON `json:"certificate,omitempty"`
}

type listRelationshipsResponse struct {
	Relationships []relationshipJSON `json:"relationships"`
}

type endorsementJSON struct {
	RelationshipID string          `json:"relationship_id"`
	Certificate    certificateJSON `json:"certificate"`
}

type endorseRequest struct {
	Endorsements []endorsementJSON `json:"endorsements"`
}

func certificateToJSON(c *recovery.Certificate) certificateJSON {
	return certificateJSON{
		DelegatedDecryptionKey: hex.EncodeToString(
			c.DelegatedDecryptionKey,
		),
		AppGlobalAuthKey: pubKeyToJSON(c.AppGlobalAuthKey),
		HardwareAuthKey:  pubKeyToJSON(c.HardwareAuthKey),
		AppSignature:     hex.EncodeToString(c.AppSignature),
	}
}

func (c *certificateJSON) parse() (*recovery.Certificate, error) {
	ddk, err := hex.DecodeString(c.DelegatedDecryptionKey)
	if err != nil {
		return nil, err
	}

	appKey, err := pubKeyFromJSON(c.AppGlobalAuthKey)
	if err != nil {
		return nil, err
	}

	hwKey, err := pubKeyFromJSON(c.HardwareAuthKey)
	if err != nil {
		return nil, err
	}

	sig, err := hex.DecodeString(c.AppSignature)
	if err != nil {
		return nil, err
	}

	return &recovery.Certificate{
		DelegatedDecryptionKey: ddk,
		AppGlobalAuthKey:       appKey,
		HardwareAuthKey:        hwKey,
		AppSignature:           sig,
	}, nil
}

// ListRelationships returns the account's trusted contacts.
func (c *Client) ListRelationships(ctx context.Context,
	accountID string) ([]recovery.Relationship, error) {

	var resp listRelationshipsResponse
	err := c.do(ctx, &request{
		method: http.MethodGet,
		path:   accountPath(accountID, "recovery", "relationships"),
		auth:   global(),
		out:    &resp,
	})
	if err != nil {
		return nil, err
	}

	relationships := make([]recovery.Relationship, 0, len(resp.Relationships))
	for _, r := range resp.Relationships {
		rel := recovery.Relationship{
			ID:    r.RelationshipID,
			Alias: r.Alias,
		}

		if r.Certificate != nil {
			cert, err := r.Certificate.parse()
			if err != nil {
				return nil, fmt.Errorf("invalid certificate of "+
					"%v: %w", r.RelationshipID, err)
			}
			rel.Certificate = cert
		}

		relationships = append(relationships, rel)
	}

	return relationships, nil
}

// EndorseRelationships uploads new certificates for trusted contacts.
func (c *Client) EndorseRelationships(ctx context.Context, accountID string,
	endorsements []recovery.Endorsement) error {

	req := &endorseRequest{
		Endorsements: make([]endorsementJSON, 0, len(endorsements)),
	}
	for _, e := range endorsements {
		req.Endorsements = append(req.Endorsements, endorsementJSON{
			RelationshipID: e.RelationshipID,
			Certificate:    certificateToJSON(&e.Certificate),
		})
	}

	return c.do(ctx, &request{
		method: http.MethodPut,
		path:   accountPath(accountID, "recovery", "relationships"),
		auth:   global(),
		in:     req,
	})
}

// RemoveRelationship removes a trusted contact.
func (c *Client) RemoveRelationship(ctx context.Context, accountID,
	relationshipID string) error {

	return c.do(ctx, &request{
		method: http.MethodDelete,
		path: accountPath(
			accountID, "recovery", "relationships", relationshipID,
		),
		auth: global(),
	})
}
