package emw3080

import (
	"context"
	"log/slog"
	"net/netip"
)

const levelTrace slog.Level = slog.LevelDebug - 1

func (d *Device) logenabled(lvl slog.Level) bool {
	if lvl == levelTrace {
		return d._traceenabled
	}
	return d.logger != nil && d.logger.Handler().Enabled(context.Background(), lvl)
}

func (d *Device) logerr(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelError, msg, attrs...)
}

func (d *Device) warn(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelWarn, msg, attrs...)
}

func (d *Device) info(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelInfo, msg, attrs...)
}

func (d *Device) debug(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug, msg, attrs...)
}

func (d *Device) trace(msg string, attrs ...slog.Attr) {
	d.logattrs(levelTrace, msg, attrs...)
}

func (d *Device) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.logger == nil || (level == levelTrace && !d._traceenabled) {
		return
	}
	d.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func sockattr(sock int) slog.Attr { return slog.Int("sock", sock) }

func errattr(err error) slog.Attr {
	if err == nil {
		return slog.String("err", "<nil>")
	}
	return slog.String("err", err.Error())
}

func addrattr(key string, ap netip.AddrPort) slog.Attr {
	return slog.String(key, ap.String())
}
