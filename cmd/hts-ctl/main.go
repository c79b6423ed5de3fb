package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "hybrid-tiered-storage API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("hts-ctl %s\n", version)
	case "status":
		get(*addr + "/v1/status")
	case "drives":
		cmdDrives(*addr)
	case "chunks":
		cmdChunks(*addr)
	case "chunk":
		need(args, 3, "chunk <object> <part>")
		get(*addr + "/v1/chunks/" + args[1] + "/" + args[2])
	case "read":
		need(args, 4, "read <object> <offset> <length>")
		cmdRead(*addr, args[1], args[2], args[3])
	case "demote":
		need(args, 3, "demote <object> <part>")
		post(*addr + "/v1/admin/demote/" + args[1] + "/" + args[2])
	case "promote":
		need(args, 3, "promote <object> <part>")
		post(*addr + "/v1/admin/promote/" + args[1] + "/" + args[2])
	case "gc":
		post(*addr + "/v1/admin/gc")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `hts-ctl - hybrid tiered storage management CLI

Usage:
  hts-ctl [flags] <command> [args]

Commands:
  status                      Show engine status
  drives                      List drives with usage
  chunks                      List live chunks
  chunk <object> <part>       Show placement of one chunk
  read <object> <off> <len>   Write a byte range of an object to stdout
  demote <object> <part>      Force-demote a chunk to the slow tier
  promote <object> <part>     Force-promote a chunk to the fast tier
  gc                          Remove metadata rows whose files are gone
  version                     Show version

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: hts-ctl "+usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func get(url string) {
	resp, err := http.Get(url)
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func post(url string) {
	resp, err := http.Post(url, "", nil)
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func decode(url string, v interface{}) {
	resp, err := http.Get(url)
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printJSON(resp.Body)
		os.Exit(1)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}
}

func cmdDrives(addr string) {
	var drives []map[string]interface{}
	decode(addr+"/v1/drives", &drives)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTIER\tCAPACITY\tUSED\tFREE\tOPEN")
	for _, d := range drives {
		fmt.Fprintf(w, "%v\t%v\t%v\t%.0f\t%.0f\t%.2f\t%v\n",
			d["id"], d["name"], d["tier"], d["capacity"], d["used_bytes"], d["free_fraction"], d["open_files"])
	}
	w.Flush()
}

func cmdChunks(addr string) {
	var chunks []map[string]interface{}
	decode(addr+"/v1/chunks", &chunks)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OBJECT\tPART\tFAST\tSLOW\tVERSIONS\tON_FAST\tAUTH\tTEMP")
	for _, c := range chunks {
		var temp interface{}
		if u, ok := c["usage"].(map[string]interface{}); ok {
			temp = u["temperature"]
		}
		fmt.Fprintf(w, "%.0f\t%.0f\t%v\t%v\t%v/%v\t%v\t%v\t%v\n",
			c["object_id"], c["part"], c["fast_drive"], c["slow_drive"],
			c["fast_version"], c["slow_version"], c["on_fast"], c["authoritative"], temp)
	}
	w.Flush()
}

func cmdRead(addr, object, offset, length string) {
	resp, err := http.Get(addr + "/v1/objects/" + object + "?offset=" + offset + "&length=" + length)
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printJSON(resp.Body)
		os.Exit(1)
	}
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		fail(err)
	}
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
