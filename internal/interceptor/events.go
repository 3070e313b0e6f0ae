package interceptor

import "time"

// 合成事件使用的主题。
const (
	TopicThirdPartyAppMessage = "thirdpartyapp_message"
	TopicProtocolPacket       = "pb_packet"
	TopicDeviceConnected      = "device_connected"
	TopicDeviceDisconnected   = "device_disconnected"
)

// DomainEvent 是从诊断日志还原出的领域事件。
type DomainEvent interface {
	Tag() string
	Raw() string
	CapturedAt() time.Time
}

// ThirdPartyAppMessage 表示设备上第三方应用发来的消息。
type ThirdPartyAppMessage struct {
	PackageID  string    `json:"package_name"`
	Data       any       `json:"data"`
	RawMessage string    `json:"rawMessage"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e ThirdPartyAppMessage) Tag() string           { return TopicThirdPartyAppMessage }
func (e ThirdPartyAppMessage) Raw() string           { return e.RawMessage }
func (e ThirdPartyAppMessage) CapturedAt() time.Time { return e.Timestamp }

// Clone 深拷贝 Data，保证各订阅者互不影响。
func (e ThirdPartyAppMessage) Clone() any {
	e.Data = cloneJSON(e.Data)
	return e
}

// ProtocolPacket 表示模块收到的一条协议包。
type ProtocolPacket struct {
	Packet     any       `json:"packet"`
	RawMessage string    `json:"rawMessage"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e ProtocolPacket) Tag() string           { return TopicProtocolPacket }
func (e ProtocolPacket) Raw() string           { return e.RawMessage }
func (e ProtocolPacket) CapturedAt() time.Time { return e.Timestamp }

func (e ProtocolPacket) Clone() any {
	e.Packet = cloneJSON(e.Packet)
	return e
}

// DeviceConnected 表示设备连接成功。
type DeviceConnected struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e DeviceConnected) Tag() string           { return TopicDeviceConnected }
func (e DeviceConnected) Raw() string           { return e.Message }
func (e DeviceConnected) CapturedAt() time.Time { return e.Timestamp }

// DeviceDisconnected 表示设备断开。
type DeviceDisconnected struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e DeviceDisconnected) Tag() string           { return TopicDeviceDisconnected }
func (e DeviceDisconnected) Raw() string           { return e.Message }
func (e DeviceDisconnected) CapturedAt() time.Time { return e.Timestamp }

func cloneJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneJSON(val)
		}
		return out
	default:
		return v
	}
}
