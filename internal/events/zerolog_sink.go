package events

import (
	"github.com/rs/zerolog"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/health"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/usage"
)

// ZerologSink logs every event as a structured entry, the default sink
// wired in by the facade when the caller supplies no other Sink.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink wraps logger as a Sink.
func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger}
}

func (z *ZerologSink) OnStateTransition(ev health.TransitionEvent) {
	z.logger.Info().
		Str("account_id", ev.AccountID).
		Str("from", ev.From.String()).
		Str("to", ev.To.String()).
		Str("failure_type", string(ev.FailureType)).
		Time("cooldown_until", ev.CooldownUntil).
		Msg("account health transition")
}

func (z *ZerologSink) OnSelection(ev health.SelectionEvent) {
	z.logger.Debug().
		Str("account_id", ev.AccountID).
		Str("state", ev.State.String()).
		Float64("utilization", ev.Utilization).
		Msg("account selected")
}

func (z *ZerologSink) OnCredentialsReload(ev credentials.ReloadEvent) {
	z.logger.Info().
		Int("accounts_before", len(ev.Before.Credentials)).
		Int("accounts_after", len(ev.After.Credentials)).
		Msg("credentials reloaded")
}

func (z *ZerologSink) OnReloadFailed(ev credentials.ReloadFailedEvent) {
	z.logger.Error().
		Err(ev.Err).
		Str("path", ev.Path).
		Msg("credentials reload failed")
}

func (z *ZerologSink) OnUsageUpdate(ev usage.UpdateEvent) {
	if ev.Err != nil {
		z.logger.Warn().Err(ev.Err).Str("account_id", ev.AccountID).Msg("usage refresh failed")
		return
	}
	z.logger.Debug().Str("account_id", ev.AccountID).Msg("usage refreshed")
}
