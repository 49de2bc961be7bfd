package modem_test

import (
	"testing"
	"time"

	"i4.energy/across/smartgsm/at"
	"i4.energy/across/smartgsm/modem"
)

func TestConfig(t *testing.T) {
	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		_, err := modem.NewConfigBuilder().Build()

		if err != modem.ErrNoDialer {
			t.Errorf("expected ErrNoDialer, got: %v", err)
		}
	})

	t.Run("Defaults applied", func(t *testing.T) {
		config, err := modem.NewConfigBuilder().
			WithDialer(modem.TestDialer{}).
			Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		if config.ATTimeout != 5*time.Second {
			t.Errorf("expected 5s AT timeout, got %v", config.ATTimeout)
		}
		if config.MaxRetries != 3 {
			t.Errorf("expected 3 retries, got %d", config.MaxRetries)
		}
		if config.NotifyConfig != at.DefaultNotifyConfig {
			t.Errorf("expected %q, got %q", at.DefaultNotifyConfig, config.NotifyConfig)
		}
		if !config.SMSIndication || !config.CallIndication || !config.Concatenation {
			t.Errorf("expected indications and concatenation enabled, got %+v", config)
		}
		if config.Logger == nil {
			t.Error("expected a default logger")
		}
	})

	t.Run("Non-positive retries replaced by the default", func(t *testing.T) {
		for _, n := range []int{0, -1} {
			config, err := modem.NewConfigBuilder().
				WithDialer(modem.TestDialer{}).
				WithMaxRetries(n).
				Build()
			if err != nil {
				t.Fatalf("unexpected error from Build(): %v", err)
			}
			if config.MaxRetries != 3 {
				t.Errorf("WithMaxRetries(%d): expected 3 retries, got %d", n, config.MaxRetries)
			}
		}
	})

	t.Run("Explicit values kept", func(t *testing.T) {
		config, err := modem.NewConfigBuilder().
			WithDialer(modem.TestDialer{}).
			WithATTimeout(time.Second).
			WithSendTimeout(2 * time.Second).
			WithMaxRetries(7).
			WithIndications(false, true).
			WithUSSDFallbackCode("*100#").
			Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		if config.ATTimeout != time.Second || config.SendTimeout != 2*time.Second {
			t.Errorf("timeouts overridden: %+v", config)
		}
		if config.MaxRetries != 7 {
			t.Errorf("expected 7 retries, got %d", config.MaxRetries)
		}
		if config.SMSIndication || !config.CallIndication {
			t.Errorf("unexpected indications: sms=%v calls=%v", config.SMSIndication, config.CallIndication)
		}
		if config.USSDFallbackCode != "*100#" {
			t.Errorf("expected fallback code, got %q", config.USSDFallbackCode)
		}
	})
}
