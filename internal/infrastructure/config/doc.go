// Package config handles loading and validating pilight2mqtt configuration.
//
// This package manages:
//   - Loading configuration from an optional YAML file
//   - Overriding with PILIGHT2MQTT_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Command-line flags are applied by the caller on top of the loaded
// configuration, after which Validate must be called.
//
// Security Considerations:
//   - MQTT passwords and InfluxDB tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("/etc/pilight2mqtt/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.HubAddress())
package config
