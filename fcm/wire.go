package fcm

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Hand-encoded subsets of checkin.proto and mcs.proto. Only the fields this
// client reads or writes are modelled; unknown fields are skipped on decode.

type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64 // varint and fixed values
	b   []byte // length-delimited values
}

func (f field) str() string { return string(f.b) }

// rangeFields walks the top-level fields of a serialized message.
func rangeFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendFixed64(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

// --- checkin ---

const deviceTypeAndroidOS = 1

type checkinRequest struct {
	AndroidID        int64
	SecurityToken    uint64
	Locale           string
	TimeZone         string
	Version          int32
	Fragment         int32
	UserSerialNumber int32
	Build            androidBuild
}

type androidBuild struct {
	Fingerprint        string
	Hardware           string
	Brand              string
	Radio              string
	Bootloader         string
	ClientID           string
	Time               int64
	PackageVersionCode int32
	Device             string
	SDKVersion         int32
	Model              string
	Manufacturer       string
	Product            string
	OtaInstalled       bool
}

func (b androidBuild) marshal() []byte {
	var out []byte
	out = appendString(out, 1, b.Fingerprint)
	out = appendString(out, 2, b.Hardware)
	out = appendString(out, 3, b.Brand)
	out = appendString(out, 4, b.Radio)
	out = appendString(out, 5, b.Bootloader)
	out = appendString(out, 6, b.ClientID)
	out = appendVarint(out, 7, uint64(b.Time))
	out = appendVarint(out, 8, uint64(b.PackageVersionCode))
	out = appendString(out, 9, b.Device)
	out = appendVarint(out, 10, uint64(b.SDKVersion))
	out = appendString(out, 11, b.Model)
	out = appendString(out, 12, b.Manufacturer)
	out = appendString(out, 13, b.Product)
	out = appendBool(out, 14, b.OtaInstalled)
	return out
}

func (r checkinRequest) marshal() []byte {
	var checkin []byte
	checkin = appendBytes(checkin, 1, r.Build.marshal())
	checkin = appendVarint(checkin, 12, deviceTypeAndroidOS)

	var out []byte
	if r.AndroidID != 0 {
		out = appendVarint(out, 2, uint64(r.AndroidID))
	}
	out = appendBytes(out, 4, checkin)
	out = appendString(out, 6, r.Locale)
	out = appendString(out, 12, r.TimeZone)
	if r.SecurityToken != 0 {
		out = appendFixed64(out, 13, r.SecurityToken)
	}
	out = appendVarint(out, 14, uint64(r.Version))
	out = appendVarint(out, 20, uint64(r.Fragment))
	out = appendVarint(out, 22, uint64(r.UserSerialNumber))
	return out
}

func (r *checkinRequest) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		switch f.num {
		case 2:
			r.AndroidID = int64(f.u)
		case 4:
			return rangeFields(f.b, func(cf field) error {
				if cf.num == 1 {
					return r.Build.unmarshal(cf.b)
				}
				return nil
			})
		case 6:
			r.Locale = f.str()
		case 12:
			r.TimeZone = f.str()
		case 13:
			r.SecurityToken = f.u
		case 14:
			r.Version = int32(f.u)
		case 20:
			r.Fragment = int32(f.u)
		case 22:
			r.UserSerialNumber = int32(f.u)
		}
		return nil
	})
}

func (b *androidBuild) unmarshal(data []byte) error {
	return rangeFields(data, func(f field) error {
		switch f.num {
		case 1:
			b.Fingerprint = f.str()
		case 2:
			b.Hardware = f.str()
		case 3:
			b.Brand = f.str()
		case 4:
			b.Radio = f.str()
		case 5:
			b.Bootloader = f.str()
		case 6:
			b.ClientID = f.str()
		case 7:
			b.Time = int64(f.u)
		case 8:
			b.PackageVersionCode = int32(f.u)
		case 9:
			b.Device = f.str()
		case 10:
			b.SDKVersion = int32(f.u)
		case 11:
			b.Model = f.str()
		case 12:
			b.Manufacturer = f.str()
		case 13:
			b.Product = f.str()
		case 14:
			b.OtaInstalled = protowire.DecodeBool(f.u)
		}
		return nil
	})
}

type checkinResponse struct {
	StatsOK       bool
	AndroidID     uint64
	SecurityToken uint64
}

func (r checkinResponse) marshal() []byte {
	var out []byte
	out = appendBool(out, 1, r.StatsOK)
	out = appendFixed64(out, 7, r.AndroidID)
	out = appendFixed64(out, 8, r.SecurityToken)
	return out
}

func (r *checkinResponse) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		switch f.num {
		case 1:
			r.StatsOK = protowire.DecodeBool(f.u)
		case 7:
			r.AndroidID = f.u
		case 8:
			r.SecurityToken = f.u
		}
		return nil
	})
}

// --- MCS ---

const authServiceAndroidID = 2

type mcsSetting struct {
	Name, Value string
}

type loginRequest struct {
	ID                    string
	Domain                string
	User                  string
	Resource              string
	AuthToken             string
	DeviceID              string
	LastRmqID             int64
	Settings              []mcsSetting
	ReceivedPersistentIDs []string
	AdaptiveHeartbeat     bool
	UseRmq2               bool
	AccountID             int64
	AuthService           int32
	NetworkType           int32
}

func (r loginRequest) marshal() []byte {
	var out []byte
	out = appendString(out, 1, r.ID)
	out = appendString(out, 2, r.Domain)
	out = appendString(out, 3, r.User)
	out = appendString(out, 4, r.Resource)
	out = appendString(out, 5, r.AuthToken)
	out = appendString(out, 6, r.DeviceID)
	out = appendVarint(out, 7, uint64(r.LastRmqID))
	for _, s := range r.Settings {
		var sb []byte
		sb = appendString(sb, 1, s.Name)
		sb = appendString(sb, 2, s.Value)
		out = appendBytes(out, 8, sb)
	}
	for _, id := range r.ReceivedPersistentIDs {
		out = appendString(out, 10, id)
	}
	out = appendBool(out, 12, r.AdaptiveHeartbeat)
	out = appendBool(out, 14, r.UseRmq2)
	out = appendVarint(out, 15, uint64(r.AccountID))
	out = appendVarint(out, 16, uint64(r.AuthService))
	out = appendVarint(out, 17, uint64(r.NetworkType))
	return out
}

func (r *loginRequest) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		switch f.num {
		case 1:
			r.ID = f.str()
		case 2:
			r.Domain = f.str()
		case 3:
			r.User = f.str()
		case 4:
			r.Resource = f.str()
		case 5:
			r.AuthToken = f.str()
		case 6:
			r.DeviceID = f.str()
		case 7:
			r.LastRmqID = int64(f.u)
		case 8:
			var s mcsSetting
			err := rangeFields(f.b, func(sf field) error {
				switch sf.num {
				case 1:
					s.Name = sf.str()
				case 2:
					s.Value = sf.str()
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("setting: %w", err)
			}
			r.Settings = append(r.Settings, s)
		case 10:
			r.ReceivedPersistentIDs = append(r.ReceivedPersistentIDs, f.str())
		case 12:
			r.AdaptiveHeartbeat = protowire.DecodeBool(f.u)
		case 14:
			r.UseRmq2 = protowire.DecodeBool(f.u)
		case 15:
			r.AccountID = int64(f.u)
		case 16:
			r.AuthService = int32(f.u)
		case 17:
			r.NetworkType = int32(f.u)
		}
		return nil
	})
}

type loginResponse struct {
	ID           string
	ErrorCode    int32
	ErrorMessage string
}

func (r loginResponse) marshal() []byte {
	var out []byte
	out = appendString(out, 1, r.ID)
	if r.ErrorCode != 0 || r.ErrorMessage != "" {
		var eb []byte
		eb = appendVarint(eb, 1, uint64(r.ErrorCode))
		eb = appendString(eb, 2, r.ErrorMessage)
		out = appendBytes(out, 3, eb)
	}
	return out
}

func (r *loginResponse) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		switch f.num {
		case 1:
			r.ID = f.str()
		case 3:
			return rangeFields(f.b, func(ef field) error {
				switch ef.num {
				case 1:
					r.ErrorCode = int32(ef.u)
				case 2:
					r.ErrorMessage = ef.str()
				}
				return nil
			})
		}
		return nil
	})
}

type appData struct {
	Key, Value string
}

type dataMessageStanza struct {
	ID           string
	From         string
	To           string
	Category     string
	Token        string
	AppData      []appData
	PersistentID string
	TTL          int32
	Sent         int64
	RawData      []byte
}

func (m dataMessageStanza) marshal() []byte {
	var out []byte
	if m.ID != "" {
		out = appendString(out, 2, m.ID)
	}
	out = appendString(out, 3, m.From)
	if m.To != "" {
		out = appendString(out, 4, m.To)
	}
	out = appendString(out, 5, m.Category)
	if m.Token != "" {
		out = appendString(out, 6, m.Token)
	}
	for _, kv := range m.AppData {
		var kb []byte
		kb = appendString(kb, 1, kv.Key)
		kb = appendString(kb, 2, kv.Value)
		out = appendBytes(out, 7, kb)
	}
	if m.PersistentID != "" {
		out = appendString(out, 9, m.PersistentID)
	}
	if m.TTL != 0 {
		out = appendVarint(out, 17, uint64(m.TTL))
	}
	if m.Sent != 0 {
		out = appendVarint(out, 18, uint64(m.Sent))
	}
	if len(m.RawData) > 0 {
		out = appendBytes(out, 21, m.RawData)
	}
	return out
}

func (m *dataMessageStanza) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		switch f.num {
		case 2:
			m.ID = f.str()
		case 3:
			m.From = f.str()
		case 4:
			m.To = f.str()
		case 5:
			m.Category = f.str()
		case 6:
			m.Token = f.str()
		case 7:
			var kv appData
			err := rangeFields(f.b, func(kf field) error {
				switch kf.num {
				case 1:
					kv.Key = kf.str()
				case 2:
					kv.Value = kf.str()
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("app_data: %w", err)
			}
			m.AppData = append(m.AppData, kv)
		case 9:
			m.PersistentID = f.str()
		case 17:
			m.TTL = int32(f.u)
		case 18:
			m.Sent = int64(f.u)
		case 21:
			m.RawData = append([]byte(nil), f.b...)
		}
		return nil
	})
}

type iqStanza struct {
	Type int32
	ID   string
	From string
	To   string
}

func (s iqStanza) marshal() []byte {
	var out []byte
	out = appendVarint(out, 2, uint64(s.Type))
	out = appendString(out, 3, s.ID)
	if s.From != "" {
		out = appendString(out, 4, s.From)
	}
	if s.To != "" {
		out = appendString(out, 5, s.To)
	}
	return out
}

func (s *iqStanza) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		switch f.num {
		case 2:
			s.Type = int32(f.u)
		case 3:
			s.ID = f.str()
		case 4:
			s.From = f.str()
		case 5:
			s.To = f.str()
		}
		return nil
	})
}

type streamErrorStanza struct {
	Type string
	Text string
}

func (s streamErrorStanza) marshal() []byte {
	var out []byte
	out = appendString(out, 1, s.Type)
	if s.Text != "" {
		out = appendString(out, 2, s.Text)
	}
	return out
}

func (s *streamErrorStanza) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		switch f.num {
		case 1:
			s.Type = f.str()
		case 2:
			s.Text = f.str()
		}
		return nil
	})
}

// heartbeat carries HeartbeatPing and HeartbeatAck, which share a layout.
type heartbeat struct {
	StreamID             int32
	LastStreamIDReceived int32
}

func (h heartbeat) marshal() []byte {
	var out []byte
	if h.StreamID != 0 {
		out = appendVarint(out, 1, uint64(h.StreamID))
	}
	if h.LastStreamIDReceived != 0 {
		out = appendVarint(out, 2, uint64(h.LastStreamIDReceived))
	}
	return out
}

func (h *heartbeat) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		switch f.num {
		case 1:
			h.StreamID = int32(f.u)
		case 2:
			h.LastStreamIDReceived = int32(f.u)
		}
		return nil
	})
}
