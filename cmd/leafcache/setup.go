package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebluefowl/leafcache/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Save bucket credentials and the user to sync for",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := setup()
		return err
	},
}

func setup() (*config.Config, error) {
	color.New(color.BgWhite).Println("Set up master password")
	color.Yellow(Wrap("⚠ The master password encrypts your bucket credentials. Forgetting it means running setup again.", 60))
	fmt.Println()
	password, err := setupMasterPassword()
	if err != nil {
		return nil, err
	}

	fmt.Println()
	color.New(color.BgWhite).Println("Set up config")
	fmt.Println()

	cfg, err := setupConfig(password)
	if err != nil {
		return nil, err
	}

	color.Green("✓ Configuration saved successfully!")

	fmt.Println(boxStyle.Render(fmt.Sprintf("Bucket: %s\nUser:   %s", cfg.BucketName, cfg.UserID)))

	return cfg, nil
}

func setupConfig(password string) (*config.Config, error) {
	questions := []*survey.Question{
		{
			Name: "keyid",
			Prompt: &survey.Input{
				Message: "Access Key ID:",
			},
			Validate: survey.Required,
		},
		{
			Name: "appkey",
			Prompt: &survey.Password{
				Message: "Secret Access Key:",
			},
			Validate: survey.Required,
		},
		{
			Name: "bucketname",
			Prompt: &survey.Input{
				Message: "Bucket Name:",
			},
			Validate: survey.Required,
		},
		{
			Name: "region",
			Prompt: &survey.Input{
				Message: "Region:",
				Default: "us-west-002",
				Help:    "e.g., us-west-002, us-east-1, eu-central-003",
			},
			Validate: survey.Required,
		},
		{
			Name: "endpoint",
			Prompt: &survey.Input{
				Message: "Endpoint URL:",
				Help:    "Leave empty for AWS S3, e.g. https://s3.us-west-002.backblazeb2.com",
			},
		},
		{
			Name: "userid",
			Prompt: &survey.Input{
				Message: "User ID:",
				Help:    "Images are stored under this prefix in the bucket",
			},
			Validate: survey.Required,
		},
	}

	var configAnswers struct {
		KeyID      string
		AppKey     string
		BucketName string
		Region     string
		Endpoint   string
		UserID     string
	}

	if err := survey.Ask(questions, &configAnswers); err != nil {
		return nil, err
	}

	cfg := config.Config{
		KeyID:      configAnswers.KeyID,
		AppKey:     configAnswers.AppKey,
		BucketName: configAnswers.BucketName,
		Region:     configAnswers.Region,
		Endpoint:   configAnswers.Endpoint,
		UserID:     configAnswers.UserID,
	}

	if err := config.Save(cfg, password); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setupMasterPassword() (string, error) {
	masterPasswordQuestions := []*survey.Question{
		{
			Name: "password",
			Prompt: &survey.Password{
				Message: "Master Password:",
			},
			Validate: survey.Required,
		},
		{
			Name: "confirm",
			Prompt: &survey.Password{
				Message: "Confirm Master Password:",
			},
			Validate: survey.Required,
		},
	}

	var passwordAnswers struct {
		Password string
		Confirm  string
	}

	if err := survey.Ask(masterPasswordQuestions, &passwordAnswers); err != nil {
		return "", err
	}

	if passwordAnswers.Password != passwordAnswers.Confirm {
		color.Red("Passwords do not match")
		return "", errors.New("passwords do not match")
	}

	color.Green("✓ Master password created successfully!")

	return passwordAnswers.Password, nil
}

// Wrap breaks text into lines of at most width columns at spaces. Existing
// newlines are kept and words longer than width are split.
func Wrap(text string, width int) string {
	if width <= 1 || text == "" {
		return text
	}

	var sb strings.Builder
	for i, para := range strings.Split(text, "\n") {
		if i > 0 {
			sb.WriteByte('\n')
		}
		lineLen := 0
		for _, word := range strings.Fields(para) {
			rs := []rune(word)
			for len(rs) > 0 {
				if lineLen > 0 && lineLen+1+len(rs) > width {
					sb.WriteByte('\n')
					lineLen = 0
				}
				if lineLen > 0 {
					sb.WriteByte(' ')
					lineLen++
				}
				n := min(len(rs), width-lineLen)
				sb.WriteString(string(rs[:n]))
				lineLen += n
				rs = rs[n:]
			}
		}
	}
	return sb.String()
}
