// Command clusterping is a small CLI exercising the sync engine end to
// end: bootstrap against a cluster, send one command, print the reply.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/clusterkv/clustercore/pkg/clusterconfig"
	"github.com/clusterkv/clustercore/pkg/clusterlog"
	"github.com/clusterkv/clustercore/pkg/clustermetrics"
	"github.com/clusterkv/clustercore/pkg/resp"
	"github.com/clusterkv/clustercore/pkg/router"
)

func main() {
	nodes := flag.String("nodes", "", "comma-separated host:port list of initial nodes")
	verbose := flag.Bool("verbose", false, "log slot-map updates and errors to stderr")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve /debug/slots and /debug/nodes on this address")
	flag.Parse()

	args := flag.Args()
	if *nodes == "" || len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: clusterping -nodes host:port[,host:port...] COMMAND [args...]")
		os.Exit(2)
	}

	opts := clusterconfig.Default()
	opts.InitialNodes = strings.Split(*nodes, ",")

	var log *clusterlog.Logger
	if *verbose {
		log = clusterlog.New(os.Stderr, "info")
	}

	cluster := router.New(opts, log)
	defer cluster.Close()

	if err := cluster.Bootstrap(); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		srv := clustermetrics.NewServer(cluster)
		go func() {
			if err := srv.Run(*metricsAddr); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}

	engine := router.NewSyncEngine(cluster)
	rep, err := engine.Command(args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printReply(rep, 0)
}

func printReply(rep *resp.Reply, depth int) {
	indent := strings.Repeat("  ", depth)
	if rep == nil || rep.Null {
		fmt.Println(indent + "(nil)")
		return
	}
	switch rep.Type {
	case resp.TypeError:
		fmt.Println(indent + "(error) " + rep.Str)
	case resp.TypeInteger:
		fmt.Printf("%s(integer) %d\n", indent, rep.Int)
	case resp.TypeDouble:
		fmt.Printf("%s(double) %g\n", indent, rep.Dbl)
	case resp.TypeBoolean:
		fmt.Printf("%s(boolean) %v\n", indent, rep.Bool)
	case resp.TypeSimpleString:
		fmt.Println(indent + rep.Str)
	case resp.TypeBulkString, resp.TypeVerbatim:
		fmt.Printf("%s%q\n", indent, rep.Str)
	default:
		for i, e := range rep.Elements() {
			fmt.Printf("%s%d)\n", indent, i+1)
			printReply(e, depth+1)
		}
	}
}
