// Package cli wires flags and environment variables into a running sidecar.
package cli

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/chainbound/bolt-sidecar/beaconclient"
	"github.com/chainbound/bolt-sidecar/builder"
	"github.com/chainbound/bolt-sidecar/config"
	"github.com/chainbound/bolt-sidecar/server"
	"github.com/chainbound/bolt-sidecar/signer"
)

const (
	genesisForkVersionMainnet = "0x00000000"
	genesisForkVersionHolesky = "0x01017000"
	genesisForkVersionSepolia = "0x90000069"
)

var (
	// defaults
	defaultLogJSON    = os.Getenv("LOG_JSON") != ""
	defaultLogLevel   = getEnv("LOG_LEVEL", "info")
	defaultDebug      = os.Getenv("DEBUG") != ""
	defaultListenAddr = getEnv("BOLT_SIDECAR_LISTEN_ADDR", "localhost:8017")

	defaultRelay        = os.Getenv("BOLT_SIDECAR_RELAY")
	defaultBeaconURL    = getEnv("BOLT_SIDECAR_BEACON_API", "http://localhost:5052")
	defaultExecutionURL = getEnv("BOLT_SIDECAR_EXECUTION_API", "http://localhost:8545")
	defaultEngineURL    = getEnv("BOLT_SIDECAR_ENGINE_API", "http://localhost:8551")
	defaultJWTHex       = os.Getenv("BOLT_SIDECAR_ENGINE_JWT_HEX")
	defaultFeeRecipient = os.Getenv("BOLT_SIDECAR_FEE_RECIPIENT")

	defaultGenesisForkVersion = getEnv("GENESIS_FORK_VERSION", "")
	defaultGenesisTime        = getEnvInt("BOLT_SIDECAR_GENESIS_TIME", config.GenesisTimeMainnet)
	defaultUseHolesky         = os.Getenv("HOLESKY") != ""
	defaultUseSepolia         = os.Getenv("SEPOLIA") != ""

	defaultTimeoutMsRelay = getEnvInt("RELAY_TIMEOUT_MS", 4000)

	// cli flags
	printVersion = flag.Bool("version", false, "only print version")
	logJSON      = flag.Bool("json", defaultLogJSON, "log in JSON format instead of text")
	logLevel     = flag.String("loglevel", defaultLogLevel, "minimum loglevel: trace, debug, info, warn/warning, error, fatal, panic")
	logDebug     = flag.Bool("debug", defaultDebug, "shorthand for '-loglevel debug'")

	listenAddr   = flag.String("addr", defaultListenAddr, "listen-address for the sidecar server")
	relayURL     = flag.String("relay", defaultRelay, "constraints relay url (scheme://pubkey@host)")
	beaconURL    = flag.String("beacon", defaultBeaconURL, "beacon API url")
	executionURL = flag.String("execution", defaultExecutionURL, "execution API url")
	engineURL    = flag.String("engine", defaultEngineURL, "engine API url")
	engineJWTHex = flag.String("engine-jwt-hex", defaultJWTHex, "hex-encoded JWT secret for the engine API")
	feeRecipient = flag.String("fee-recipient", defaultFeeRecipient, "fee recipient address for fallback blocks")
	genesisTime  = flag.Uint64("genesis-time", uint64(defaultGenesisTime), "beacon chain genesis timestamp")

	relayTimeoutMs = flag.Int("request-timeout-relay", defaultTimeoutMsRelay, "timeout for requests to the relay [ms]")

	// helpers
	useGenesisForkVersionMainnet = flag.Bool("mainnet", true, "use Mainnet")
	useGenesisForkVersionHolesky = flag.Bool("holesky", defaultUseHolesky, "use Holesky")
	useGenesisForkVersionSepolia = flag.Bool("sepolia", defaultUseSepolia, "use Sepolia")
	useCustomGenesisForkVersion  = flag.String("genesis-fork-version", defaultGenesisForkVersion, "use a custom genesis fork version")
)

var log = logrus.NewEntry(logrus.New())

// Main starts the bolt-sidecar cli
func Main() {
	flag.Parse()

	// perhaps only print the version
	if *printVersion {
		fmt.Printf("bolt-sidecar %s\n", config.Version) //nolint
		return
	}

	// setup logging
	log.Logger.SetOutput(os.Stdout)
	if *logJSON {
		log.Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.Logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	if *logDebug {
		*logLevel = "debug"
	}
	if *logLevel != "" {
		lvl, err := logrus.ParseLevel(*logLevel)
		if err != nil {
			flag.Usage()
			log.Fatalf("invalid loglevel: %s", *logLevel)
		}
		log.Logger.SetLevel(lvl)
	}

	log = log.WithField("version", config.Version)
	log.Infof("starting bolt-sidecar")

	genesisForkVersionHex := ""
	switch {
	case *useCustomGenesisForkVersion != "":
		genesisForkVersionHex = *useCustomGenesisForkVersion
	case *useGenesisForkVersionHolesky:
		genesisForkVersionHex = genesisForkVersionHolesky
	case *useGenesisForkVersionSepolia:
		genesisForkVersionHex = genesisForkVersionSepolia
	case *useGenesisForkVersionMainnet:
		genesisForkVersionHex = genesisForkVersionMainnet
	default:
		flag.Usage()
		log.Fatal("please specify a genesis fork version (eg. -mainnet / -holesky / -sepolia / -genesis-fork-version flags)")
	}
	log.Infof("using genesis fork version: %s", genesisForkVersionHex)

	// The BLS key only ever comes from the environment, never from a flag.
	blsKeyHex := os.Getenv("BOLT_SIDECAR_BLS_SECRET_KEY")
	if blsKeyHex == "" {
		log.Fatal("no BLS secret key specified (set BOLT_SIDECAR_BLS_SECRET_KEY)")
	}
	sidecarSigner, err := signer.New(blsKeyHex)
	if err != nil {
		log.WithError(err).Fatal("invalid BLS secret key")
	}
	log.Infof("sidecar public key: %s", sidecarSigner.PublicKey().String())

	constraintsDomain, err := signer.ComputeDomain(signer.DomainTypeCommitBoost, genesisForkVersionHex)
	if err != nil {
		log.WithError(err).Fatal("failed computing constraints signing domain")
	}
	bidDomain, err := signer.ComputeDomain(signer.DomainTypeAppBuilder, genesisForkVersionHex)
	if err != nil {
		log.WithError(err).Fatal("failed computing bid signing domain")
	}

	if *relayURL == "" {
		flag.Usage()
		log.Fatal("no relay specified")
	}
	relayEntry, err := server.NewRelayEntry(*relayURL)
	if err != nil {
		log.WithError(err).WithField("relay", *relayURL).Fatal("invalid relay URL")
	}
	log.Infof("using relay: %s", relayEntry.String())

	if !common.IsHexAddress(*feeRecipient) {
		log.Fatalf("invalid fee recipient address: %q", *feeRecipient)
	}

	localBuilder, err := builder.NewLocalBuilder(builder.LocalBuilderOpts{
		Log:                log,
		Signer:             sidecarSigner,
		BidDomain:          bidDomain,
		ExecutionURL:       *executionURL,
		EngineURL:          *engineURL,
		EngineJWTSecretHex: *engineJWTHex,
		FeeRecipient:       common.HexToAddress(*feeRecipient),
	})
	if err != nil {
		log.WithError(err).Fatal("failed creating the local builder")
	}

	beacon := beaconclient.NewProdBeaconClient(log, *beaconURL)

	service, err := server.NewSidecarService(server.SidecarServiceOpts{
		Log:                 log,
		ListenAddr:          *listenAddr,
		Relay:               relayEntry,
		Beacon:              beacon,
		Builder:             localBuilder,
		Signer:              sidecarSigner,
		ConstraintsDomain:   constraintsDomain,
		GenesisTime:         *genesisTime,
		RelayRequestTimeout: time.Duration(*relayTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		log.WithError(err).Fatal("failed creating the server")
	}

	log.Println("listening on", *listenAddr)
	log.Fatal(service.StartHTTPServer())
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		val, err := strconv.Atoi(value)
		if err == nil {
			return val
		}
	}
	return defaultValue
}
