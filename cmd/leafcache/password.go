package main

import (
	"os"

	"github.com/AlecAivazis/survey/v2"

	"github.com/thebluefowl/leafcache/internal/config"
)

// askMasterPassword prefers LEAFCACHE_PASSWORD so scheduled syncs never block
// on a prompt.
func askMasterPassword() (string, error) {
	if pw, ok := os.LookupEnv(config.EnvPassword); ok && pw != "" {
		return pw, nil
	}

	var password string
	prompt := &survey.Password{Message: "Master password to unlock bucket credentials:"}
	if err := survey.AskOne(prompt, &password, survey.WithValidator(survey.Required)); err != nil {
		return "", err
	}
	return password, nil
}
