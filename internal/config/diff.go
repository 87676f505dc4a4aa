package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	WebhookChanged bool
	NewWebhookURL  string

	NotifyChanged bool
	NewNotify     NotifyConfig

	// RestartRequired lists the sections whose changes only take effect after
	// a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.WebhookChanged && !d.NotifyChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Delivery.WebhookURL != new.Delivery.WebhookURL {
		d.WebhookChanged = true
		d.NewWebhookURL = new.Delivery.WebhookURL
	}
	if old.Notify.DesktopEnabled() != new.Notify.DesktopEnabled() || old.Notify.AppName != new.Notify.AppName {
		d.NotifyChanged = true
		d.NewNotify = new.Notify
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	sections := []struct {
		name     string
		old, new any
	}{
		{"audio", old.Audio, new.Audio},
		{"wake", old.Wake, new.Wake},
		{"recorder", old.Recorder, new.Recorder},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	// Everything in delivery except the URL is bound at startup.
	oldDel, newDel := old.Delivery, new.Delivery
	oldDel.WebhookURL, newDel.WebhookURL = "", ""
	if !reflect.DeepEqual(oldDel, newDel) {
		d.RestartRequired = append(d.RestartRequired, "delivery")
	}

	return d
}
