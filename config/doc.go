// Package config loads regsearch settings from a YAML file and REGSEARCH_*
// environment variables on top of built-in defaults, and converts them into
// the option types of the individual services.
package config
