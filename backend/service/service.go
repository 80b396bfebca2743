package service

import (
	"context"
	"errors"

	"github.com/adwski/frame-relay/backend/model"
	"github.com/adwski/frame-relay/backend/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	reasonMalformed = "malformed message"
)

var (
	ErrEmptyFrame = errors.New("empty frame")
	ErrRelay      = errors.New("unable to relay frame")
)

var DefaultTelemetryFields = []string{"waterLevel", "temperature", "turbidity"}

type (
	Registry interface {
		IdentifyAsDevice(conn model.Conn) (model.Conn, error)
		IdentifyAsViewer(conn model.Conn) (bool, error)
		Remove(conn model.Conn) model.Role
		RoleOf(conn model.Conn) model.Role
		SnapshotViewers() []model.Conn
		CurrentDevice() model.Conn
		ViewerCount() int
	}

	Switch interface {
		Deliver(ctx context.Context, targets []model.Conn, payload model.Payload) model.Report
		DeliverTo(dst model.Conn, payload model.Payload) bool
	}

	// Policy holds the per-deployment protocol choices.
	Policy struct {
		Encoding         protocol.Encoding
		TelemetryFields  []string
		CloseOnMalformed bool
		ValidateJPEG     bool
	}

	Service struct {
		registry Registry
		sw       Switch
		policy   Policy
		logger   zerolog.Logger
	}

	Config struct {
		Registry Registry
		Switch   Switch
		Logger   *zerolog.Logger
		Policy   Policy
	}
)

func NewService(cfg Config) *Service {
	policy := cfg.Policy
	if policy.Encoding == "" {
		policy.Encoding = protocol.EncodingBinary
	}
	if policy.TelemetryFields == nil {
		policy.TelemetryFields = DefaultTelemetryFields
	}
	return &Service{
		registry: cfg.Registry,
		sw:       cfg.Switch,
		policy:   policy,
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
	}
}

// Connected is called once per accepted streaming connection.
func (svc *Service) Connected(conn model.Conn) {
	svc.logger.Debug().
		Str("connID", conn.ID().String()).
		Msg("connection accepted")
}

// Receive routes one inbound frame of conn. Frames of a single connection
// must be passed in arrival order.
func (svc *Service) Receive(ctx context.Context, conn model.Conn, frame protocol.Frame) {
	if !conn.IsOpen() {
		// superseded device or connection being torn down
		return
	}

	role := svc.registry.RoleOf(conn)
	logger := svc.logger.With().
		Str("connID", conn.ID().String()).
		Stringer("role", role).
		Logger()

	in := protocol.Classify(frame, protocol.ClassifyOptions{ValidateJPEG: svc.policy.ValidateJPEG})
	logger.Trace().Stringer("kind", in.Kind).Int("size", len(frame.Data)).Msg("frame classified")

	switch in.Kind {
	case protocol.KindDiscarded:
		logger.Debug().Int("size", len(in.Raw)).Msg("binary frame without jpeg signature dropped")

	case protocol.KindMalformed:
		svc.malformed(conn, in, &logger)

	case protocol.KindMedia:
		if role != model.RoleDevice {
			logger.Warn().Msg("media frame from non-device connection")
			svc.reply(conn, protocol.Error(protocol.ErrTextMediaOrigin))
			return
		}
		logger.Debug().Int("size", len(in.Media)).Msg("media frame received")
		if _, err := svc.broadcastMedia(ctx, in.Media); err != nil {
			logger.Error().Err(err).Msg("failed to relay media frame")
		}

	case protocol.KindCommand:
		svc.command(ctx, conn, role, in.Command, &logger)
	}
}

// Disconnected is called exactly once per streaming connection after it closed.
func (svc *Service) Disconnected(ctx context.Context, conn model.Conn) {
	role := svc.registry.Remove(conn)
	svc.logger.Debug().
		Str("connID", conn.ID().String()).
		Stringer("role", role).
		Int("viewers", svc.registry.ViewerCount()).
		Msg("connection removed")

	if role == model.RoleDevice {
		svc.logger.Info().Str("connID", conn.ID().String()).Msg("device disconnected")
		svc.sw.Deliver(ctx, svc.registry.SnapshotViewers(), protocol.Status(protocol.StatusDeviceDisconnected))
	}
}

// Upload relays a media frame received over HTTP. It is treated as
// coming from the device.
func (svc *Service) Upload(ctx context.Context, frame []byte) (model.Report, error) {
	if len(frame) == 0 {
		return model.Report{}, ErrEmptyFrame
	}
	report, err := svc.broadcastMedia(ctx, frame)
	if err != nil {
		return report, err
	}
	svc.logger.Debug().
		Int("size", len(frame)).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Msg("uploaded frame relayed")
	return report, nil
}

func (svc *Service) Stats() model.Stats {
	return model.Stats{
		DeviceConnected: svc.registry.CurrentDevice() != nil,
		Viewers:         svc.registry.ViewerCount(),
	}
}

func (svc *Service) broadcastMedia(ctx context.Context, frame []byte) (model.Report, error) {
	payload, err := protocol.Media(frame, svc.policy.Encoding)
	if err != nil {
		return model.Report{}, errors.Join(ErrRelay, err)
	}
	report := svc.sw.Deliver(ctx, svc.registry.SnapshotViewers(), payload)
	if err = ctx.Err(); err != nil {
		return report, errors.Join(ErrRelay, err)
	}
	return report, nil
}

func (svc *Service) malformed(conn model.Conn, in protocol.Inbound, logger *zerolog.Logger) {
	logger.Warn().Err(in.Err).Msg("malformed message")
	if svc.policy.CloseOnMalformed {
		if err := conn.Close(websocket.CloseProtocolError, reasonMalformed); err != nil {
			logger.Error().Err(err).Msg("failed to close connection")
		}
		return
	}
	svc.reply(conn, protocol.Error(reasonMalformed+": "+in.Err.Error()))
}

func (svc *Service) command(
	ctx context.Context,
	conn model.Conn,
	role model.Role,
	cmd protocol.Command,
	logger *zerolog.Logger,
) {
	switch cmd.Type {
	case protocol.CommandDevice:
		if role == model.RoleViewer {
			svc.reply(conn, protocol.Error(protocol.ErrTextRoleConflict))
			return
		}
		if role == model.RoleUnassigned {
			if !svc.identifyDevice(ctx, conn, logger) {
				return
			}
		} else if cmd.Bare() {
			svc.reply(conn, protocol.Status(protocol.StatusConnected))
		}
		switch {
		case cmd.HasAny(svc.policy.TelemetryFields):
			logger.Debug().RawJSON("telemetry", cmd.Raw).Msg("relaying telemetry")
			svc.sw.Deliver(ctx, svc.registry.SnapshotViewers(), protocol.Text(cmd.Raw))
		case !cmd.Bare():
			logger.Debug().
				RawJSON("message", cmd.Raw).
				Strs("telemetryFields", svc.policy.TelemetryFields).
				Msg("device message without telemetry fields dropped")
		}

	case protocol.CommandViewer:
		if role == model.RoleDevice {
			svc.reply(conn, protocol.Error(protocol.ErrTextRoleConflict))
			return
		}
		if role == model.RoleUnassigned {
			if !svc.identifyViewer(conn, logger) {
				return
			}
		} else if cmd.Bare() {
			svc.reply(conn, protocol.Status(protocol.StatusConnected))
		}
		if !cmd.Bare() {
			svc.forwardToDevice(conn, cmd, logger)
		}

	default:
		logger.Warn().Str("type", cmd.TypeName).Msg("unknown message type")
		svc.reply(conn, protocol.Error(protocol.ErrTextUnknownType))
	}
}

func (svc *Service) identifyDevice(ctx context.Context, conn model.Conn, logger *zerolog.Logger) bool {
	prev, err := svc.registry.IdentifyAsDevice(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("device identification rejected")
		svc.reply(conn, protocol.Error(protocol.ErrTextRoleConflict))
		return false
	}
	if prev != nil {
		logger.Info().Str("prevConnID", prev.ID().String()).Msg("device replaced")
	} else {
		logger.Info().Msg("device connected")
	}
	svc.reply(conn, protocol.Status(protocol.StatusConnected))
	svc.sw.Deliver(ctx, svc.registry.SnapshotViewers(), protocol.Status(protocol.StatusDeviceConnected))
	return true
}

func (svc *Service) identifyViewer(conn model.Conn, logger *zerolog.Logger) bool {
	added, err := svc.registry.IdentifyAsViewer(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("viewer identification rejected")
		svc.reply(conn, protocol.Error(protocol.ErrTextRoleConflict))
		return false
	}
	if added {
		logger.Info().Int("viewers", svc.registry.ViewerCount()).Msg("viewer connected")
	}
	svc.reply(conn, protocol.Status(protocol.StatusConnected))
	return true
}

func (svc *Service) forwardToDevice(conn model.Conn, cmd protocol.Command, logger *zerolog.Logger) {
	device := svc.registry.CurrentDevice()
	if device == nil || !device.IsOpen() {
		logger.Debug().Msg("device unavailable, command dropped")
		svc.reply(conn, protocol.Status(protocol.StatusDeviceUnavailable))
		return
	}
	if !svc.sw.DeliverTo(device, protocol.Text(cmd.Raw)) {
		svc.reply(conn, protocol.Status(protocol.StatusDeviceUnavailable))
		return
	}
	logger.Debug().RawJSON("command", cmd.Raw).Msg("command forwarded to device")
	svc.reply(conn, protocol.Status(protocol.StatusForwarded))
}

func (svc *Service) reply(conn model.Conn, payload model.Payload) {
	_ = svc.sw.DeliverTo(conn, payload)
}
