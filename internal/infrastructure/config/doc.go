// Package config provides configuration loading for the mapped cover service.
//
// Configuration is loaded from a YAML file with three layers of precedence:
//
//  1. Hardcoded defaults (defaultConfig)
//  2. YAML file values
//  3. Environment variable overrides (MAPPEDCOVER_*)
//
// The Mapper section holds service-wide defaults for cover range mapping;
// individual covers stored in the database may override every field.
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
package config
