package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/routstr/wallet/wallet"
)

var rwallet *wallet.Wallet

func walletConfig() (wallet.Config, error) {
	path := setWalletPath()
	// default config
	config := wallet.Config{WalletPath: path, MintURL: "https://mint.minibits.cash/Bitcoin"}

	if configPath := os.Getenv("RWALLET_CONFIG"); configPath != "" {
		loaded, err := wallet.LoadConfig(configPath)
		if err != nil {
			return wallet.Config{}, err
		}
		if loaded.WalletPath == "" {
			loaded.WalletPath = path
		}
		return loaded, nil
	}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}

	if len(envPath) > 0 {
		if err := godotenv.Load(envPath); err == nil {
			if mintURL := os.Getenv("MINT_URL"); mintURL != "" {
				config.MintURL = mintURL
			}
		}
	}

	return config, nil
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".rwallet")
	err = os.MkdirAll(path, 0700)
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func setupWallet(ctx *cli.Context) error {
	config, err := walletConfig()
	if err != nil {
		printErr(err)
	}

	rwallet, err = wallet.LoadWallet(ctx.Context, config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "rwallet",
		Usage: "ecash wallet for metered API usage",
		Commands: []*cli.Command{
			balanceCmd,
			topupCmd,
			tokenCmd,
			tokensCmd,
			invalidateCmd,
			importCmd,
			refundCmd,
			quotesCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Before: setupWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	balance, err := rwallet.Balance()
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v sats\n", balance)
	return nil
}

var topupCmd = &cli.Command{
	Name:   "topup",
	Usage:  "Request an invoice for an amount and mint ecash once it is paid",
	Before: setupWallet,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-wait",
			Usage: "Print the invoice and exit without polling for payment",
		},
	},
	Action: topup,
}

func topup(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to top up"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	quote, err := rwallet.RequestTopup(ctx.Context, amount)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", quote.PaymentRequest())
	if ctx.Bool("no-wait") {
		fmt.Println("pay the invoice and run 'rwallet quotes' to resume minting")
		return nil
	}

	fmt.Println("waiting for payment...")
	if err := quote.Run(ctx.Context); err != nil {
		printErr(err)
	}
	if quote.State() == wallet.TopupMinted {
		fmt.Printf("%v sats minted\n", quote.Amount())
	}
	return nil
}

var tokenCmd = &cli.Command{
	Name:   "token",
	Usage:  "Get a spendable bearer token for a provider",
	Before: setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "provider",
			Usage:    "Provider base url the token is for",
			Required: true,
		},
	},
	Action: getToken,
}

func getToken(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	token, err := rwallet.GetOrCreateToken(ctx.Context, ctx.String("provider"), amount)
	if err != nil {
		printErr(err)
	}

	fmt.Println(token)
	return nil
}

var tokensCmd = &cli.Command{
	Name:   "tokens",
	Usage:  "List cached provider tokens",
	Before: setupWallet,
	Action: listTokens,
}

func listTokens(ctx *cli.Context) error {
	tokens, err := rwallet.ProviderTokens()
	if err != nil {
		printErr(err)
	}
	if len(tokens) == 0 {
		fmt.Println("no cached tokens")
		return nil
	}
	for provider, amount := range tokens {
		fmt.Printf("%v: %v sats\n", provider, amount)
	}
	return nil
}

var invalidateCmd = &cli.Command{
	Name:   "invalidate",
	Usage:  "Drop the cached token for a provider",
	Before: setupWallet,
	Action: invalidateToken,
}

func invalidateToken(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a provider url"))
	}

	if err := rwallet.InvalidateToken(args.First()); err != nil {
		printErr(err)
	}
	return nil
}

var importCmd = &cli.Command{
	Name:   "import",
	Usage:  "Redeem an ecash token into the wallet",
	Before: setupWallet,
	Action: importToken,
}

func importToken(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("ecash token not provided"))
	}

	amount, err := rwallet.ImportToken(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v sats received\n", amount)
	return nil
}

var refundCmd = &cli.Command{
	Name:   "refund",
	Usage:  "Pull a provider's remaining balance back into the wallet",
	Before: setupWallet,
	Action: refund,
}

func refund(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a provider url"))
	}

	amount, err := rwallet.Refund(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}

	if amount == 0 {
		fmt.Println("provider had no balance left to refund")
	} else {
		fmt.Printf("%v sats refunded\n", amount)
	}
	return nil
}

var quotesCmd = &cli.Command{
	Name:   "quotes",
	Usage:  "List pending topup quotes and optionally resume one",
	Before: setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "resume",
			Usage: "Quote id to resume polling for",
		},
	},
	Action: quotes,
}

func quotes(ctx *cli.Context) error {
	if id := ctx.String("resume"); id != "" {
		quote, err := rwallet.ResumeTopup(id)
		if err != nil {
			printErr(err)
		}
		fmt.Println("waiting for payment...")
		if err := quote.Run(ctx.Context); err != nil {
			printErr(err)
		}
		if quote.State() == wallet.TopupMinted {
			fmt.Printf("%v sats minted\n", quote.Amount())
		}
		return nil
	}

	pending, err := rwallet.PendingTopups()
	if err != nil {
		printErr(err)
	}
	if len(pending) == 0 {
		fmt.Println("no pending quotes")
		return nil
	}
	for _, quote := range pending {
		created := time.Unix(quote.CreatedAt, 0).Format(time.RFC3339)
		fmt.Printf("%v: %v sats (%v, created %v)\n", quote.Id, quote.Amount, quote.State, created)
	}
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(1)
}
