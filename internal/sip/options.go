package sip

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

const (
	allowedMethods    = "REGISTER, INVITE, ACK, BYE, CANCEL, OPTIONS, REFER, SUBSCRIBE, NOTIFY, MESSAGE"
	supportedFeatures = "replaces"
)

// OptionsHandler answers OPTIONS keepalive/capability probes per spec
// §4.5: 200 OK advertising the methods and feature tags this core
// understands, with no side effects on registrar or call state.
type OptionsHandler struct {
	logger *slog.Logger
}

// NewOptionsHandler creates an OptionsHandler.
func NewOptionsHandler(logger *slog.Logger) *OptionsHandler {
	return &OptionsHandler{logger: logger.With("subsystem", "options")}
}

// HandleOptions processes an OPTIONS request.
func (h *OptionsHandler) HandleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Supported", supportedFeatures))

	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send options response", "error", err)
	}
}
