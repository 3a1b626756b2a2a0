// Package config handles loading and validating the MQTT bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with MQTTBRIDGE_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Broker passwords should be set via MQTTBRIDGE_MQTT_PASSWORD
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/mqttbridge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, c := range cfg.Connections {
//	    fmt.Println(c.BrokerURL())
//	}
package config
