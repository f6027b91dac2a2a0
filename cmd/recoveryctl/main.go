package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ruteri/wallet-recovery-coordinator/api/recoveryhandler"
	"github.com/ruteri/wallet-recovery-coordinator/cmd/flags"
	"github.com/ruteri/wallet-recovery-coordinator/cryptoutils"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
	"github.com/ruteri/wallet-recovery-coordinator/keystore"
	"github.com/ruteri/wallet-recovery-coordinator/storage"
	"github.com/urfave/cli/v2"
)

var flagKeystore = &cli.StringSliceFlag{
	Name:    "keystore",
	Value:   cli.NewStringSlice("file://./wallets"),
	Usage:   "wallet key store URIs (file:// or s3://)",
	EnvVars: []string{"RECOVERY_KEYSTORE"},
}
var flagPassphrase = &cli.StringFlag{
	Name:     "keystore-passphrase",
	Required: true,
	Usage:    "passphrase the wallet key store is sealed with",
	EnvVars:  []string{"RECOVERY_KEYSTORE_PASSPHRASE"},
}
var flagSecretFile = &cli.StringFlag{
	Name:  "secret-file",
	Usage: "file holding the hex-encoded wallet secret; a random 32-byte secret is generated if empty",
}
var flagHelpers = &cli.StringSliceFlag{
	Name:     "helper",
	Required: true,
	Usage:    "hex-encoded helper public key, may be repeated",
}
var flagThreshold = &cli.UintFlag{
	Name:  "threshold",
	Usage: "shares required to recover, 0 for the server default",
}
var flagHelper = &cli.StringFlag{
	Name:     "helper",
	Required: true,
	Usage:    "hex-encoded public key of the submitting helper",
}
var flagEnvelopeFile = &cli.StringFlag{
	Name:     "envelope-file",
	Required: true,
	Usage:    "file holding the share envelope encrypted to the coordinator",
}

func main() {
	app := &cli.App{
		Name:  "recoveryctl",
		Usage: "Operate a wallet recovery coordinator",
		Flags: flags.LogFlags,
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "generate a coordinator or helper identity",
				Action: keygen,
			},
			{
				Name:   "seal",
				Usage:  "store a wallet secret in the sealed key store",
				Flags:  []cli.Flag{flags.WalletIDFlag, flagKeystore, flagPassphrase, flagSecretFile},
				Action: seal,
			},
			{
				Name:   "request",
				Usage:  "start a recovery",
				Flags:  []cli.Flag{flags.ServerAddrFlag, flags.WalletIDFlag, flagHelpers, flagThreshold},
				Action: request,
			},
			{
				Name:   "submit",
				Usage:  "submit a helper's encrypted share",
				Flags:  []cli.Flag{flags.ServerAddrFlag, flags.WalletIDFlag, flagHelper, flagEnvelopeFile},
				Action: submit,
			},
			{
				Name:   "status",
				Usage:  "show the recovery session of a wallet",
				Flags:  []cli.Flag{flags.ServerAddrFlag, flags.WalletIDFlag},
				Action: status,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func walletID(cCtx *cli.Context) (interfaces.WalletID, error) {
	return interfaces.NewWalletID(cCtx.String(flags.WalletIDFlag.Name))
}

func client(cCtx *cli.Context) *recoveryhandler.Client {
	return &recoveryhandler.Client{ServerAddr: cCtx.String(flags.ServerAddrFlag.Name)}
}

func keygen(cCtx *cli.Context) error {
	id, err := cryptoutils.GenerateIdentity()
	if err != nil {
		return err
	}
	return printJSON(map[string]string{
		"private_key": id.Hex(),
		"public_key":  id.Pubkey().String(),
	})
}

func seal(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	wallet, err := walletID(cCtx)
	if err != nil {
		return err
	}

	var secret []byte
	if path := cCtx.String(flagSecretFile.Name); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		secret, err = hex.DecodeString(strings.TrimSpace(string(raw)))
		interfaces.Wipe(raw)
		if err != nil {
			return fmt.Errorf("secret file must hold hex: %w", err)
		}
	} else {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
	}
	defer interfaces.Wipe(secret)

	backend, err := storage.NewStorageBackendFactory(logger, nil).CreateMultiBackend(cCtx.StringSlice(flagKeystore.Name))
	if err != nil {
		return err
	}
	keys, err := keystore.NewFromPassphrase(cCtx.Context, backend, cCtx.String(flagPassphrase.Name), logger)
	if err != nil {
		return err
	}
	return keys.StoreProtectedSecret(cCtx.Context, wallet, secret)
}

func request(cCtx *cli.Context) error {
	wallet, err := walletID(cCtx)
	if err != nil {
		return err
	}
	var helpers []interfaces.Pubkey
	for _, s := range cCtx.StringSlice(flagHelpers.Name) {
		pk, err := interfaces.NewPubkeyFromHex(s)
		if err != nil {
			return fmt.Errorf("invalid helper %q: %w", s, err)
		}
		helpers = append(helpers, pk)
	}
	threshold := cCtx.Uint(flagThreshold.Name)
	if threshold > 255 {
		return errors.New("threshold must be at most 255")
	}

	resp, err := client(cCtx).RequestRecovery(cCtx.Context, wallet, helpers, uint8(threshold))
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func submit(cCtx *cli.Context) error {
	wallet, err := walletID(cCtx)
	if err != nil {
		return err
	}
	helper, err := interfaces.NewPubkeyFromHex(cCtx.String(flagHelper.Name))
	if err != nil {
		return err
	}
	envelope, err := os.ReadFile(cCtx.String(flagEnvelopeFile.Name))
	if err != nil {
		return err
	}

	resp, err := client(cCtx).SubmitShare(cCtx.Context, wallet, helper, envelope)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func status(cCtx *cli.Context) error {
	wallet, err := walletID(cCtx)
	if err != nil {
		return err
	}
	resp, err := client(cCtx).Status(cCtx.Context, wallet)
	if err != nil {
		return err
	}
	return printJSON(resp)
}
