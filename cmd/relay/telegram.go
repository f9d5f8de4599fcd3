package main

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codexmonitor/relay/internal/config"
)

func telegramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telegram",
		Short: "Configure the chat-bot binding",
	}

	cmd.AddCommand(telegramPairCmd())
	cmd.AddCommand(telegramUnpairCmd())

	return cmd
}

// telegramPairCmd enables the bot and mints a one-time pairing code.
// Only the code's hash lands on disk; the code itself is shown once.
func telegramPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Enable the bot and generate a pairing code",
		Long: `Generates a one-time pairing code and stores its hash in the
settings file. Message the bot "/link <code>" to pair.

The bot token can be passed with --token, set in settings.json, or via
CODEXMONITOR_TELEGRAM_TOKEN.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")

			dir, err := settingsDir()
			if err != nil {
				return err
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}

			if token == "" && cfg.Telegram.Token == "" && isInteractive() {
				fmt.Print("Bot token: ")
				reader := bufio.NewReader(os.Stdin)
				line, _ := reader.ReadString('\n')
				token = strings.TrimSpace(line)
			}
			if token != "" {
				cfg.Telegram.Token = token
			}
			if cfg.Telegram.Token == "" {
				return usageErrorf("pair requires a bot token")
			}

			code, err := pairingCode()
			if err != nil {
				return err
			}
			sum := sha256.Sum256([]byte(code))

			cfg.Telegram.Enabled = true
			cfg.Telegram.PairingCodeHash = hex.EncodeToString(sum[:])
			cfg.Telegram.AllowedUserID = 0
			if err := config.Save(dir, cfg); err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string]any{"pairing_code": code})
			}
			fmt.Printf("Pairing code: %s\n", code)
			fmt.Println("Message the bot \"/link " + code + "\" to pair. The code works once.")
			fmt.Println("Restart the daemon to pick up the new settings.")
			return nil
		},
	}

	cmd.Flags().String("token", "", "Telegram bot token")
	return cmd
}

func telegramUnpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair",
		Short: "Forget the paired user and disable the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := settingsDir()
			if err != nil {
				return err
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}

			cfg.Telegram.Enabled = false
			cfg.Telegram.AllowedUserID = 0
			cfg.Telegram.PairingCodeHash = ""
			if err := config.Save(dir, cfg); err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Println("Unpaired. The bot is disabled until you pair again.")
			}
			return nil
		},
	}
}

// pairingCode returns an 8-digit numeric code.
func pairingCode() (string, error) {
	max := big.NewInt(100000000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}
