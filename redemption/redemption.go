// Package redemption handles channel-point "join my channel" redemptions: it
// resolves the requested channel against the Twitch Helix API, registers it
// in the channel registry, and records every attempt (success or failure) in
// an append-only audit table.
package redemption

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/streambot/telemetry"
	"github.com/onnwee/streambot/twitchapi"
)

// Outcome classifies a processed join request for the caller's reply.
type Outcome string

const (
	OutcomeAdded            Outcome = "added"
	OutcomeAlreadyMonitored Outcome = "already_monitored"
	OutcomeNotFound         Outcome = "channel_not_found"
	OutcomeError            Outcome = "internal_error"
)

// Recorder appends redemption attempts to channel_redemptions. Rows are never
// updated or deleted.
type Recorder struct {
	DB *sql.DB
}

// Record appends one attempt. errMsg is empty on success.
func (r *Recorder) Record(ctx context.Context, channelID, requesterName, targetChannel string, cost int, success bool, errMsg string) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO channel_redemptions (channel_id, requester_name, target_channel, cost, success, error_message)
		 VALUES ($1,$2,$3,$4,$5,NULLIF($6,''))`,
		channelID, requesterName, targetChannel, cost, success, errMsg)
	if err != nil {
		return fmt.Errorf("record redemption: %w", err)
	}
	return nil
}

// ChannelAdder is the registry surface the handler needs.
type ChannelAdder interface {
	AddChannel(ctx context.Context, channelID, channelName, addedBy string) (bool, error)
}

// AttemptRecorder appends attempt audit rows (implemented by Recorder).
type AttemptRecorder interface {
	Record(ctx context.Context, channelID, requesterName, targetChannel string, cost int, success bool, errMsg string) error
}

// UserResolver looks up a Twitch login (implemented by twitchapi.HelixClient).
type UserResolver interface {
	GetUser(ctx context.Context, login string) (*twitchapi.HelixUser, error)
}

// Handler processes join-channel redemptions.
type Handler struct {
	Recorder AttemptRecorder
	Registry ChannelAdder
	Helix    UserResolver
}

// Request is one redemption event as received from the webhook.
type Request struct {
	// ChannelID is where the redemption happened.
	ChannelID string
	// RequesterName is the redeeming user's display name.
	RequesterName string
	// TargetChannel is the login of the channel to start monitoring.
	TargetChannel string
	// Cost is the channel-point price, recorded for auditing.
	Cost int
}

// HandleJoinRequest validates and applies one join request. Every attempt is
// recorded regardless of outcome; a failed audit write is logged but does not
// change the outcome.
func (h *Handler) HandleJoinRequest(ctx context.Context, req Request) (Outcome, error) {
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("requester", req.RequesterName), slog.String("target", req.TargetChannel))

	target := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(req.TargetChannel), "@"))
	if target == "" {
		h.record(ctx, req, false, "empty target channel")
		return OutcomeNotFound, nil
	}

	user, err := h.Helix.GetUser(ctx, target)
	if err != nil {
		log.Error("helix user lookup failed", slog.Any("err", err))
		h.record(ctx, req, false, "user lookup failed: "+err.Error())
		telemetry.IncRedemption(false)
		return OutcomeError, err
	}
	if user == nil {
		log.Info("redemption target not found")
		h.record(ctx, req, false, "channel not found")
		telemetry.IncRedemption(false)
		return OutcomeNotFound, nil
	}

	added, err := h.Registry.AddChannel(ctx, user.ID, user.Login, req.RequesterName)
	if err != nil {
		log.Error("add channel failed", slog.Any("err", err))
		h.record(ctx, req, false, "add channel failed: "+err.Error())
		telemetry.IncRedemption(false)
		return OutcomeError, err
	}
	if !added {
		log.Info("redemption target already monitored")
		h.record(ctx, req, false, "already monitored")
		telemetry.IncRedemption(false)
		return OutcomeAlreadyMonitored, nil
	}

	log.Info("channel added via redemption", slog.String("channel", user.Login))
	h.record(ctx, req, true, "")
	telemetry.IncRedemption(true)
	return OutcomeAdded, nil
}

func (h *Handler) record(ctx context.Context, req Request, success bool, errMsg string) {
	if h.Recorder == nil {
		return
	}
	if err := h.Recorder.Record(ctx, req.ChannelID, req.RequesterName, req.TargetChannel, req.Cost, success, errMsg); err != nil {
		slog.Warn("redemption audit write failed", slog.Any("err", err))
	}
}
