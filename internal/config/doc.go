// Package config loads the harvester's startup configuration. Values come
// from an optional JSON file, a .env file and environment variables, in that
// order of precedence from lowest to highest. The strategy catalog lives in a
// separate YAML file so operators can extend it without touching secrets.
package config
