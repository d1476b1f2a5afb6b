package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/sswr"
	"github.com/always-cache/sswr/core"
	eventbus "github.com/always-cache/sswr/pkg/event-bus"
	"github.com/always-cache/sswr/pkg/observable"
)

var (
	configFilenameFlag string
	listenFlag         string
	dbFlag             string
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&listenFlag, "listen", "localhost:8080", "Address for the demo origin server")
	flag.StringVar(&dbFlag, "db", "./sswr.db", "Path to the persistence database")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

type counter struct {
	Count int       `json:"count"`
	Time  time.Time `json:"time"`
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	listen := listenFlag
	db := dbFlag
	if configFilenameFlag != "" {
		config, err := getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
		if config.Listen != "" {
			listen = config.Listen
		}
		if config.DB != "" {
			db = config.DB
		}
	}

	go serveOrigin(listen)

	bus := eventbus.New()
	store, err := core.NewSQLiteStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open store")
	}

	cache := sswr.New(sswr.NewHTTPFetcher[counter](nil), sswr.Config{
		Store:            store,
		Bus:              bus,
		Logger:           &log.Logger,
		DedupingInterval: 5 * time.Second,
	})

	res := cache.Use("http://" + listen + "/counter")
	res.Data.Subscribe(observable.Observer[counter]{Next: func(c counter) {
		log.Info().Int("count", c.Count).Time("time", c.Time).Msg("Counter value")
	}})
	res.Err.Subscribe(observable.Observer[error]{Next: func(err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Counter fetch error")
		}
	}})

	// pretend the host regains focus every few seconds; the entry
	// revalidates once its deduping interval has passed
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	for {
		select {
		case <-ticker.C:
			bus.EmitFocus()
		case <-interrupt:
			log.Info().Msg("Shutting down")
			cache.Close()
			return
		}
	}
}

func serveOrigin(listen string) {
	var count int
	r := chi.NewRouter()
	r.Get("/counter", func(w http.ResponseWriter, req *http.Request) {
		count++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(counter{Count: count, Time: time.Now()})
	})
	log.Info().Str("listen", listen).Msg("Starting demo origin")
	if err := http.ListenAndServe(listen, r); err != nil {
		log.Fatal().Err(err).Msg("Origin server failed")
	}
}
