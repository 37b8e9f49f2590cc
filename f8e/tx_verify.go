package f8e

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/keyrecovery/recoveryd/confirm"
)

// Verification is an approved transaction verification.
type Verification struct {
	ID string

	// HardwareGrant is the server's signed grant allowing the hardware to
	// co-sign the verified transaction.
	HardwareGrant []byte
}

type verificationJSON struct {
	Status        string `json:"status"`
	HardwareGrant string `json:"hardware_grant,omitempty"`
}

// GetVerificationStatus probes the state of a transaction verification once.
func (c *Client) GetVerificationStatus(ctx context.Context, accountID,
	verificationID string) (confirm.State[Verification], error) {

	var resp verificationJSON
	err := c.do(ctx, &request{
		method: http.MethodGet,
		path:   accountPath(accountID, "tx-verify", verificationID),
		auth:   global(),
		out:    &resp,
	})
	if err != nil {
		return confirm.Pending[Verification](), err
	}

	switch resp.Status {
	case "PENDING":
		return confirm.Pending[Verification](), nil

	case "FAILED":
		return confirm.Rejected[Verification](), nil

	case "EXPIRED":
		return confirm.Expired[Verification](), nil

	case "SUCCESS":
		grant, err := hex.DecodeString(resp.HardwareGrant)
		if err != nil {
			return confirm.Pending[Verification](), fmt.Errorf(
				"invalid hardware grant: %w", err,
			)
		}

		return confirm.Confirmed(Verification{
			ID:            verificationID,
			HardwareGrant: grant,
		}), nil

	default:
		return confirm.Pending[Verification](), fmt.Errorf("unknown "+
			"verification status %q", resp.Status)
	}
}

// PollTxVerification polls a transaction verification until it reaches a
// terminal state or ctx is cancelled.
func (c *Client) PollTxVerification(ctx context.Context, accountID,
	verificationID string,
	cfg confirm.PollConfig) <-chan confirm.State[Verification] {

	probe := func(ctx context.Context) (confirm.State[Verification],
		error) {

		return c.GetVerificationStatus(ctx, accountID, verificationID)
	}

	return confirm.Poll[Verification](ctx, cfg, probe)
}
