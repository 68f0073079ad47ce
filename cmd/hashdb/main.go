package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"hashdb/pkg/config"
	"hashdb/pkg/database"
	"hashdb/pkg/pager"
	"hashdb/pkg/repl"
	"hashdb/pkg/wal"

	"github.com/google/uuid"
)

// Default port 8335 (BEES).
const DEFAULT_PORT int = 8335

// Listens for SIGINT or SIGTERM and closes the database.
func setupCloseHandler(database *database.Database) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("closehandler invoked")
		database.Close()
		os.Exit(0)
	}()
}

// Start listening for connections at port `port`.
func startServer(repl *repl.REPL, prompt string, port int) {
	// Handle a connection by running the repl on it.
	handleConn := func(c net.Conn) {
		clientId := uuid.New()
		defer c.Close()
		repl.Run(clientId, prompt, c, c)
	}
	// Start listening for new connections.
	listener, err := net.Listen("tcp", fmt.Sprintf(":%v", port))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%v server started listening on localhost:%v\n", config.DBName,
		listener.Addr().(*net.TCPAddr).Port)
	// Handle each connection.
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Print(err)
			continue
		}
		go handleConn(conn)
	}
}

// Start the database.
func main() {
	// Set up flags.
	var promptFlag = flag.Bool("c", true, "use prompt?")
	var dbFlag = flag.String("db", "data/", "DB folder")
	var serverFlag = flag.Bool("s", false, "serve over tcp instead of stdin")
	var portFlag = flag.Int("p", DEFAULT_PORT, "port number")
	var pagerFlag = flag.Bool("pager", false, "include pager debugging commands")
	flag.Parse()

	// The log lives next to the data folder, never inside it, so checkpoint
	// snapshots don't capture it.
	logPath := filepath.Join(filepath.Dir(strings.TrimSuffix(*dbFlag, "/")), config.LogFileName)
	rm, err := wal.NewRecoveryManager(*dbFlag, logPath)
	if err != nil {
		panic(err)
	}

	// Restore the last checkpoint's snapshot (if any) before any pager opens
	// the data files.
	replayFrom, err := rm.Prime()
	if err != nil {
		panic(err)
	}

	// Open the db and replay the log tail into it.
	db, err := database.Open(*dbFlag, rm.Writer())
	if err != nil {
		panic(err)
	}
	if err = rm.Replay(replayFrom, db); err != nil {
		panic(err)
	}
	if err = db.FinishRecovery(); err != nil {
		panic(err)
	}

	// Setup close conditions.
	defer db.Close()
	setupCloseHandler(db)

	// Set up REPL resources.
	prompt := config.GetPrompt(*promptFlag)
	repls := []*repl.REPL{
		database.DatabaseRepl(db),
		database.RecoveryRepl(db, rm),
	}
	if *pagerFlag {
		pRepl, err := pager.PagerRepl()
		if err != nil {
			fmt.Println(err)
			return
		}
		repls = append(repls, pRepl)
	}

	// Combine the REPLs.
	r, err := repl.CombineRepls(repls)
	if err != nil {
		fmt.Println(err)
		return
	}

	// Serve over tcp if requested, else run the REPL here.
	if *serverFlag {
		startServer(r, prompt, *portFlag)
	} else {
		r.Run(uuid.New(), prompt, nil, nil)
	}
}
