package app

import (
	"fmt"

	"github.com/gonglijing/xunjiHub/internal/adapter"
	"github.com/gonglijing/xunjiHub/internal/command"
	"github.com/gonglijing/xunjiHub/internal/config"
	"github.com/gonglijing/xunjiHub/internal/pwdutil"
)

// registerAdapters 按配置创建并注册启用的协议适配器
func (a *App) registerAdapters(cfg *config.Config, deps adapter.Deps) error {
	origins := cfg.GetAllowedOrigins()

	if cfg.MQTT.Enabled {
		a.mqtt = adapter.NewMQTTAdapter(mqttConfig(cfg.MQTT), deps)
		if err := a.adapters.Register(a.mqtt); err != nil {
			return err
		}
	}
	if cfg.HTTP.Enabled {
		h := adapter.NewHTTPAdapter(adapter.HTTPConfig{
			Listen:         cfg.HTTP.Listen,
			QueueSize:      cfg.HTTP.QueueSize,
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			AllowedOrigins: origins,
		}, deps)
		if err := a.adapters.Register(h); err != nil {
			return err
		}
	}
	if cfg.BLE.Enabled {
		bleCfg, err := bleConfig(cfg.BLE)
		if err != nil {
			return err
		}
		if err := a.adapters.Register(adapter.NewBLEAdapter(bleCfg, deps)); err != nil {
			return err
		}
	}
	if cfg.Modbus.Enabled {
		if err := a.adapters.Register(adapter.NewModbusAdapter(modbusConfig(cfg.Modbus), deps)); err != nil {
			return err
		}
	}
	return nil
}

func mqttConfig(c config.MQTTConfig) adapter.MQTTConfig {
	return adapter.MQTTConfig{
		Broker:            c.Broker,
		ClientID:          c.ClientID,
		Username:          c.Username,
		Password:          c.Password,
		TopicPrefix:       c.TopicPrefix,
		QOS:               c.QOS,
		CleanSession:      c.CleanSession,
		KeepAlive:         c.KeepAlive,
		ConnectTimeout:    c.ConnectTimeout,
		ReconnectInterval: c.ReconnectInterval,
		RawDownlink:       c.RawDownlink,
	}
}

// bleConfig 网关密钥统一转成 bcrypt 哈希
func bleConfig(c config.BLEConfig) (adapter.BLEConfig, error) {
	out := adapter.BLEConfig{Listen: c.Listen, Path: c.Path}
	for _, gw := range c.Gateways {
		hash, err := pwdutil.Normalize(gw.Key)
		if err != nil {
			return adapter.BLEConfig{}, fmt.Errorf("ble gateway %s: %w", gw.DeviceID, err)
		}
		out.Gateways = append(out.Gateways, adapter.BLEGateway{DeviceID: gw.DeviceID, KeyHash: hash})
	}
	return out, nil
}

func modbusConfig(c config.ModbusConfig) adapter.ModbusConfig {
	out := adapter.ModbusConfig{Breaker: c.Breaker}
	for _, d := range c.Devices {
		md := adapter.ModbusDevice{
			Key:       d.Key,
			Transport: d.Transport,
			Address:   d.Address,
			Port:      d.Port,
			BaudRate:  d.BaudRate,
			DataBits:  d.DataBits,
			Parity:    d.Parity,
			StopBits:  d.StopBits,
			SlaveID:   d.SlaveID,
			Interval:  d.Interval,
			Timeout:   d.Timeout,
		}
		for _, p := range d.Points {
			md.Points = append(md.Points, adapter.ModbusPoint{
				Field:    p.Field,
				Register: p.Register,
				Type:     p.Type,
				Scale:    p.Scale,
			})
		}
		out.Devices = append(out.Devices, md)
	}
	return out
}

func dispatcherConfig(c config.DispatcherConfig) command.Config {
	return command.Config{
		DefaultTimeout:     c.DefaultTimeout,
		DefaultMaxRetries:  c.MaxRetries,
		BaseBackoff:        c.BaseBackoff,
		MaxBackoff:         c.MaxBackoff,
		AckPollInterval:    c.AckPollInterval,
		DrainRetryInterval: c.DrainRetryInterval,
	}
}
