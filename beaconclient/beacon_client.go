// Package beaconclient resolves validator identity from a beacon node.
// The gateway needs the proposer's validator index before it can sign a
// constraints message for a slot.
package beaconclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// SlotsPerEpoch on mainnet.
const SlotsPerEpoch = 32

// ErrNoProposerDuty is returned when the duties for the slot's epoch do not
// contain the requested slot.
var ErrNoProposerDuty = fmt.Errorf("no proposer duty for slot")

// ValidatorIndexResolver maps a slot to the validator index of its proposer.
type ValidatorIndexResolver interface {
	ValidatorIndexForSlot(ctx context.Context, slot uint64) (uint64, error)
}

// ProposerDutiesResponse is the response payload for
// https://ethereum.github.io/beacon-APIs/#/Validator/getProposerDuties
type ProposerDutiesResponse struct {
	Data []ProposerDutiesResponseData `json:"data"`
}

type ProposerDutiesResponseData struct {
	Pubkey         string `json:"pubkey"`
	Slot           uint64 `json:"slot,string"`
	ValidatorIndex uint64 `json:"validator_index,string"`
}

// ProdBeaconClient is a thin client for a single beacon node.
type ProdBeaconClient struct {
	log       *logrus.Entry
	beaconURI string
	client    http.Client
}

func NewProdBeaconClient(log *logrus.Entry, beaconURI string) *ProdBeaconClient {
	_log := log.WithFields(logrus.Fields{
		"module":    "beaconClient",
		"beaconURI": beaconURI,
	})
	return &ProdBeaconClient{
		log:       _log,
		beaconURI: beaconURI,
		client:    http.Client{Timeout: 10 * time.Second},
	}
}

// GetProposerDuties returns proposer duties for every slot in this epoch.
func (c *ProdBeaconClient) GetProposerDuties(ctx context.Context, epoch uint64) (*ProposerDutiesResponse, error) {
	uri := fmt.Sprintf("%s/eth/v1/validator/duties/proposer/%d", c.beaconURI, epoch)
	resp := new(ProposerDutiesResponse)
	if err := c.fetchBeacon(ctx, uri, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ValidatorIndexForSlot looks up the validator index of the slot's proposer
// from that epoch's duties.
func (c *ProdBeaconClient) ValidatorIndexForSlot(ctx context.Context, slot uint64) (uint64, error) {
	duties, err := c.GetProposerDuties(ctx, slot/SlotsPerEpoch)
	if err != nil {
		return 0, err
	}
	for _, duty := range duties.Data {
		if duty.Slot == slot {
			return duty.ValidatorIndex, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrNoProposerDuty, slot)
}

func (c *ProdBeaconClient) fetchBeacon(ctx context.Context, uri string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("invalid request for %s: %w", uri, err)
	}
	req.Header.Set("accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("client refused for %s: %w", uri, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response body for %s: %w", uri, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("error response from beacon node for %s: %d / %s", uri, resp.StatusCode, string(bodyBytes))
	}
	if err := json.Unmarshal(bodyBytes, dst); err != nil {
		return fmt.Errorf("could not unmarshal response for %s: %w", uri, err)
	}
	return nil
}
