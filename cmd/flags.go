package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// configKeys maps command line flags onto config keys.
var configKeys = map[string]string{
	"contents":  "contents",
	"templates": "templates",
	"views":     "views",
	"locals":    "locals",
	"plugins":   "plugins",
	"ignore":    "ignore",
	"output":    "output",
	"port":      "port",
	"hostname":  "hostname",
	"base-url":  "baseUrl",
}

// overridesFrom collects the config values of flags set on the command line.
func overridesFrom(flags *pflag.FlagSet) (map[string]interface{}, error) {
	overrides := make(map[string]interface{})
	var err error
	flags.Visit(func(f *pflag.Flag) {
		key, ok := configKeys[f.Name]
		if !ok || err != nil {
			return
		}
		var value interface{}
		switch f.Value.Type() {
		case "int":
			value, err = flags.GetInt(f.Name)
		case "bool":
			value, err = flags.GetBool(f.Name)
		case "stringSlice":
			value, err = flags.GetStringSlice(f.Name)
		default:
			value = f.Value.String()
		}
		overrides[key] = value
	})
	if err != nil {
		return nil, err
	}
	return overrides, nil
}

// AddFlagValidation wraps the flag's setter with validator.
func AddFlagValidation(cmd *cobra.Command, flagName string, validator func(string) error) {
	flag := cmd.Flags().Lookup(flagName)
	if flag == nil {
		return
	}
	flag.Value = &validatingValue{
		Value:     flag.Value,
		validator: validator,
	}
}

type validatingValue struct {
	pflag.Value
	validator func(string) error
}

func (v *validatingValue) Set(val string) error {
	if err := v.validator(val); err != nil {
		return err
	}
	return v.Value.Set(val)
}

// ValidatePort accepts 0 (any free port) through 65535.
func ValidatePort(portStr string) error {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", portStr)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}
