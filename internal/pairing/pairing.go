// Package pairing bootstraps mutual trust between two instances that have
// never met, mediated only by the blind relay and a short human-transferable
// code, via a three-message offer/response/approval exchange driven by Go
// context-bound polling rather than manual retry loops.
package pairing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xelth-com/eckwmsgo/internal/cryptopacket"
	"github.com/xelth-com/eckwmsgo/internal/relayclient"
)

// TTL is the pairing window: 5 minutes for the whole offer/response/approval
// exchange.
const TTL = 5 * time.Minute

// Failure kinds surfaced distinctly to the caller so a UI can disambiguate.
var (
	ErrNotFound         = errors.New("pairing: not found or not yet arrived")
	ErrBadCode          = errors.New("pairing: wrong code (decryption failed)")
	ErrExpired          = errors.New("pairing: offer or session has expired")
	ErrInstanceMismatch = errors.New("pairing: approval instance id does not match expected host")
)

// Context identifies which stage of the exchange a routing id/key belongs
// to.
type Context string

const (
	ContextOffer    Context = "offer"
	ContextResponse Context = "response"
	ContextApproval Context = "approval"
)

// Offer is published by the host for the joiner to discover.
type Offer struct {
	InstanceID   string    `json:"instance_id"`
	InstanceName string    `json:"instance_name"`
	RelayURL     string    `json:"relay_url"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// Response is sent by the joiner once it has found the host's offer.
type Response struct {
	InstanceID   string `json:"instance_id"`
	InstanceName string `json:"instance_name"`
	RelayURL     string `json:"relay_url"`
}

// Approval carries the mesh's shared network key from host to joiner.
type Approval struct {
	HostInstanceID string `json:"host_instance_id"`
	NetworkKey     []byte `json:"network_key"`
}

// GenerateCode returns a random six ASCII decimal digit code formatted
// "XXX-XXX".
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	digits := fmt.Sprintf("%06d", n.Int64()+100000)
	return digits[:3] + "-" + digits[3:], nil
}

// CleanCode strips the separating dash.
func CleanCode(code string) string {
	return strings.ReplaceAll(code, "-", "")
}

// RoutingID returns the relay mailbox key for (context, code), per spec
// §4.5: SHA-256("eck:pairing:id:"||context||":"||code) hex-encoded.
func RoutingID(c Context, cleanCode string) string {
	sum := sha256.Sum256([]byte("eck:pairing:id:" + string(c) + ":" + cleanCode))
	return hex.EncodeToString(sum[:])
}

// ChannelKey returns the 32-byte AES key for (context, code), per spec
// §4.5: SHA-256("eck:pairing:key:"||context||":"||code) raw bytes.
func ChannelKey(c Context, cleanCode string) []byte {
	sum := sha256.Sum256([]byte("eck:pairing:key:" + string(c) + ":" + cleanCode))
	out := make([]byte, len(sum))
	copy(out, sum[:])
	return out
}

// Service drives the pairing protocol for one instance against one relay.
type Service struct {
	InstanceID   string
	InstanceName string
	RelayURL     string
	relay        *relayclient.Client
	log          *logrus.Entry
}

// New builds a pairing Service.
func New(instanceID, instanceName, relayURL string, relay *relayclient.Client, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		InstanceID: instanceID, InstanceName: instanceName, RelayURL: relayURL,
		relay: relay, log: log.WithField("component", "pairing"),
	}
}

func sealerFor(c Context, cleanCode string) (*cryptopacket.Sealer, error) {
	return cryptopacket.NewSealer(ChannelKey(c, cleanCode), false)
}

// PublishOffer (host, step 1): seals and pushes a PairingOffer on the offer
// channel for code.
func (s *Service) PublishOffer(ctx context.Context, code string) error {
	cleanCode := CleanCode(code)
	sealer, err := sealerFor(ContextOffer, cleanCode)
	if err != nil {
		return err
	}
	offer := Offer{InstanceID: s.InstanceID, InstanceName: s.InstanceName, RelayURL: s.RelayURL, GeneratedAt: time.Now().UTC()}
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	pkt, err := sealer.Seal(cryptopacket.Metadata{EntityType: "pairing_offer", EntityID: RoutingID(ContextOffer, cleanCode), SourceInstance: s.InstanceID}, raw)
	if err != nil {
		return err
	}
	routingID := RoutingID(ContextOffer, cleanCode)
	if _, err := s.relay.PushChannel(ctx, routingID, s.InstanceID, pkt, TTL); err != nil {
		return err
	}
	s.log.WithField("channel", routingID[:12]).Info("published pairing offer")
	return nil
}

// FindOffer (joiner, step 2): pulls and opens the offer for code, rejecting
// offers older than TTL.
func (s *Service) FindOffer(ctx context.Context, code string) (Offer, error) {
	cleanCode := CleanCode(code)
	pkts, err := s.relay.PullFor(ctx, RoutingID(ContextOffer, cleanCode))
	if err != nil {
		return Offer{}, err
	}
	if len(pkts) == 0 {
		return Offer{}, ErrNotFound
	}
	sealer, err := sealerFor(ContextOffer, cleanCode)
	if err != nil {
		return Offer{}, err
	}
	raw, err := sealer.Open(pkts[0])
	if err != nil {
		return Offer{}, ErrBadCode
	}
	var offer Offer
	if err := json.Unmarshal(raw, &offer); err != nil {
		return Offer{}, ErrBadCode
	}
	if time.Since(offer.GeneratedAt) > TTL {
		return Offer{}, ErrExpired
	}
	s.log.WithField("host", offer.InstanceID).Info("found pairing offer")
	return offer, nil
}

// SendResponse (joiner, step 2): seals and pushes a PairingResponse.
func (s *Service) SendResponse(ctx context.Context, code string) error {
	cleanCode := CleanCode(code)
	sealer, err := sealerFor(ContextResponse, cleanCode)
	if err != nil {
		return err
	}
	resp := Response{InstanceID: s.InstanceID, InstanceName: s.InstanceName, RelayURL: s.RelayURL}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	routingID := RoutingID(ContextResponse, cleanCode)
	pkt, err := sealer.Seal(cryptopacket.Metadata{EntityType: "pairing_response", EntityID: routingID, SourceInstance: s.InstanceID}, raw)
	if err != nil {
		return err
	}
	if _, err := s.relay.PushChannel(ctx, routingID, s.InstanceID, pkt, TTL); err != nil {
		return err
	}
	s.log.Info("sent pairing response")
	return nil
}

// AwaitResponse (host, step 3): polls the response channel until a
// response arrives or ctx is cancelled/expires.
func (s *Service) AwaitResponse(ctx context.Context, code string, pollInterval time.Duration) (Response, error) {
	cleanCode := CleanCode(code)
	sealer, err := sealerFor(ContextResponse, cleanCode)
	if err != nil {
		return Response{}, err
	}
	routingID := RoutingID(ContextResponse, cleanCode)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		pkts, err := s.relay.PullFor(ctx, routingID)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ErrExpired
			}
			return Response{}, err
		}
		if len(pkts) > 0 {
			raw, err := sealer.Open(pkts[0])
			if err != nil {
				return Response{}, ErrBadCode
			}
			var resp Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				return Response{}, ErrBadCode
			}
			s.log.WithField("joiner", resp.InstanceID).Info("received pairing response")
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return Response{}, ErrExpired
		case <-ticker.C:
		}
	}
}

// SendApproval (host, step 4): seals and pushes the network key, to be
// called once an operator has approved the pairing session.
func (s *Service) SendApproval(ctx context.Context, code string, networkKey []byte) error {
	cleanCode := CleanCode(code)
	sealer, err := sealerFor(ContextApproval, cleanCode)
	if err != nil {
		return err
	}
	approval := Approval{HostInstanceID: s.InstanceID, NetworkKey: networkKey}
	raw, err := json.Marshal(approval)
	if err != nil {
		return err
	}
	routingID := RoutingID(ContextApproval, cleanCode)
	pkt, err := sealer.Seal(cryptopacket.Metadata{EntityType: "pairing_approval", EntityID: routingID, SourceInstance: s.InstanceID}, raw)
	if err != nil {
		return err
	}
	if _, err := s.relay.PushChannel(ctx, routingID, s.InstanceID, pkt, TTL); err != nil {
		return err
	}
	s.log.Info("sent pairing approval")
	return nil
}

// AwaitApproval (joiner, step 5): polls the approval channel until the
// network key arrives, then validates it came from expectedHost.
func (s *Service) AwaitApproval(ctx context.Context, code, expectedHost string, pollInterval time.Duration) (Approval, error) {
	cleanCode := CleanCode(code)
	sealer, err := sealerFor(ContextApproval, cleanCode)
	if err != nil {
		return Approval{}, err
	}
	routingID := RoutingID(ContextApproval, cleanCode)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		pkts, err := s.relay.PullFor(ctx, routingID)
		if err != nil {
			return Approval{}, err
		}
		if len(pkts) > 0 {
			raw, err := sealer.Open(pkts[0])
			if err != nil {
				return Approval{}, ErrBadCode
			}
			var approval Approval
			if err := json.Unmarshal(raw, &approval); err != nil {
				return Approval{}, ErrBadCode
			}
			if expectedHost != "" && approval.HostInstanceID != expectedHost {
				return Approval{}, ErrInstanceMismatch
			}
			s.log.WithField("host", approval.HostInstanceID).Info("received pairing approval")
			return approval, nil
		}
		select {
		case <-ctx.Done():
			return Approval{}, ErrExpired
		case <-ticker.C:
		}
	}
}
