package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hashdb/pkg/database"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var STARTUP = 100 * time.Millisecond
var MAX_DELAY int64 = 10

// Listens for SIGINT or SIGTERM and closes the database.
func setupCloseHandler(db *database.Database) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("closehandler invoked")
		db.Close()
		os.Exit(0)
	}()
}

// Get delay jitter.
func jitter() time.Duration {
	return time.Duration(rand.Int63n(MAX_DELAY)+1) * time.Millisecond
}

// Parse workload
func parseWorkload(path string) ([]string, error) {
	// Open the file.
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	// Scan through all lines.
	var workload []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		workload = append(workload, scanner.Text())
	}
	return workload, scanner.Err()
}

// Handle workload
func handleWorkload(c chan string, workload []string, idx int, n int) error {
	for i := idx; i < len(workload); i += n {
		time.Sleep(jitter())
		c <- workload[i]
	}
	return nil
}

// Start the database.
func main() {
	// Set up flags.
	var workloadFlag = flag.String("workload", "", "workload file (required)")
	var nFlag = flag.Int("n", 1, "number of threads to run (default: 1)")
	var verifyFlag = flag.Bool("verify", false, "enable to verify index state at the end of the workload")
	flag.Parse()
	// Clean up old db resources; the stress runs unlogged and from scratch.
	os.RemoveAll("data")
	// Open the db.
	db, err := database.Open("data", nil)
	if err != nil {
		panic(err)
	}
	// Setup close conditions.
	defer db.Close()
	setupCloseHandler(db)
	// Run REPL.
	r := database.DatabaseRepl(db)
	c := make(chan string)
	go r.RunChan(c, uuid.New(), "")
	// Some time to wake up...
	time.Sleep(STARTUP)
	// Initialize the db.
	c <- "create index t"
	// Parse and run workload.
	if *workloadFlag == "" {
		fmt.Println("no workload file given")
		return
	}
	workload, err := parseWorkload(*workloadFlag)
	if err != nil {
		fmt.Println(err)
		return
	}
	// Some time to wake up...
	time.Sleep(STARTUP)
	var g errgroup.Group
	for i := 0; i < *nFlag; i++ {
		i := i
		g.Go(func() error {
			return handleWorkload(c, workload, i, *nFlag)
		})
	}
	g.Wait()
	close(c)
	// Verify the structure of the index.
	if *verifyFlag {
		index, err := db.GetIndex("t")
		if err != nil {
			fmt.Println("error getting index t")
			return
		}
		if err := index.Verify(); err != nil {
			fmt.Printf("verification failed: %v\n", err)
			return
		}
		fmt.Println("verification passed")
	}
}
