package http2

import "encoding/base64"

// Settings holds one side's HTTP/2 settings (RFC 9113 §6.5.2).
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// DefaultSettings returns the RFC-defined initial values.
func DefaultSettings() Settings {
	return Settings{
		HeaderTableSize:      DefaultHeaderTableSize,
		EnablePush:           true,
		MaxConcurrentStreams: DefaultMaxConcurrentStreams,
		InitialWindowSize:    DefaultWindowSize,
		MaxFrameSize:         DefaultMaxFrameSize,
		MaxHeaderListSize:    0, // unlimited
	}
}

// apply merges one SETTINGS entry, validating value ranges per RFC 9113
// §6.5.2. Unknown identifiers are ignored. Only an error is returned; the
// caller derives any initial window size delta by comparing snapshots.
func (s *Settings) apply(entry Setting) error {
	switch entry.ID {
	case SettingHeaderTableSize:
		s.HeaderTableSize = entry.Value
	case SettingEnablePush:
		if entry.Value > 1 {
			return connError(ErrCodeProtocol, ErrInvalidSettings)
		}
		s.EnablePush = entry.Value == 1
	case SettingMaxConcurrentStreams:
		s.MaxConcurrentStreams = entry.Value
	case SettingInitialWindowSize:
		if entry.Value > MaxWindowSize {
			return connError(ErrCodeFlowControl, ErrInvalidSettings)
		}
		s.InitialWindowSize = entry.Value
	case SettingMaxFrameSize:
		if entry.Value < MinMaxFrameSize || entry.Value > MaxFrameSize {
			return connError(ErrCodeProtocol, ErrInvalidSettings)
		}
		s.MaxFrameSize = entry.Value
	case SettingMaxHeaderListSize:
		s.MaxHeaderListSize = entry.Value
	default:
		// Unknown settings are silently ignored (RFC 9113 §6.5.2)
	}
	return nil
}

// Apply merges a list of SETTINGS entries.
func (s *Settings) Apply(entries []Setting) error {
	for _, e := range entries {
		if err := s.apply(e); err != nil {
			return err
		}
	}
	return nil
}

// DecodeBase64Settings decodes the HTTP2-Settings header carried by an h2c
// upgrade request: a base64url-encoded SETTINGS payload (RFC 7540 §3.2.1).
func DecodeBase64Settings(value string) ([]Setting, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, connError(ErrCodeProtocol, ErrInvalidSettings)
	}
	if len(raw)%6 != 0 {
		return nil, connError(ErrCodeFrameSize, ErrInvalidFrameLength)
	}
	sf, err := ParseSettingsFrame(FrameHeader{Type: FrameSettings, Length: uint32(len(raw))}, raw)
	if err != nil {
		return nil, err
	}
	return sf.Settings, nil
}
