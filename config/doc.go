// Package config loads and validates the process configuration.
//
// Configuration comes from a YAML file plus FUTURESFEED_* environment
// overrides, read through viper. Credential-bearing fields support
// `${VAR}` references that are expanded strictly: a reference to an
// unset variable is a load error, so a missing secret fails at startup
// rather than at the first authenticated call. `$$` escapes a literal
// dollar sign.
package config
