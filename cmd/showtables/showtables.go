package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/mizar-sdn/netpol/pkg/clusterstate"
	"github.com/mizar-sdn/netpol/pkg/netruleset"
	"github.com/mizar-sdn/netpol/pkg/polset"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	klog.Flush()
	os.Exit(1)
}

// policiesFor keeps the policies which have rules in dir.
func policiesFor(policies []*networkingv1.NetworkPolicy, dir poltypes.Direction) []*networkingv1.NetworkPolicy {
	var out []*networkingv1.NetworkPolicy
	for _, policy := range policies {
		for _, d := range netruleset.PolicyDirections(policy) {
			if d == dir {
				out = append(out, policy)
				break
			}
		}
	}
	return out
}

func decoded(data *netruleset.CompiledAccessData, bitValue uint64) string {
	ids := data.Decode(bitValue)
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, string(id))
	}
	return strings.Join(names, ",")
}

func printTables(w io.Writer, dir poltypes.Direction, policies []*networkingv1.NetworkPolicy, data *netruleset.CompiledAccessData, ruleErrs []error) {
	fmt.Fprintln(w, "--------------------------------------------------------------")
	fmt.Fprintf(w, "        Direction: %s\n", dir)
	names := make([]string, 0, len(policies))
	for _, policy := range policies {
		names = append(names, clusterstate.PolicyKey(policy))
	}
	fmt.Fprintf(w, "         Policies: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(w, " Indexed policies: %d\n", data.IndexedPolicyCount)
	for _, err := range ruleErrs {
		fmt.Fprintf(w, "      Rule failed: %v\n", err)
	}
	for _, class := range poltypes.CidrClasses {
		rows := data.Tables.CidrTables[class]
		if len(rows) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", class)
		fmt.Fprintf(w, "%-6s %-39s %-39s %4s %18s  %s\n", "VNI", "LOCAL IP", "CIDR", "LEN", "BITS", "POLICIES")
		for _, row := range rows {
			fmt.Fprintf(w, "%-6d %-39s %-39s %4d %#18x  %s\n", row.Vni, row.LocalIP, row.Cidr, row.CidrLength, row.BitValue, decoded(data, row.BitValue))
		}
	}
	if len(data.Tables.PortTable) > 0 {
		fmt.Fprintf(w, "\nports\n")
		fmt.Fprintf(w, "%-6s %-39s %-8s %-6s %18s  %s\n", "VNI", "LOCAL IP", "PROTO", "PORT", "BITS", "POLICIES")
		for _, row := range data.Tables.PortTable {
			fmt.Fprintf(w, "%-6d %-39s %-8s %-6s %#18x  %s\n", row.Vni, row.LocalIP, row.Protocol, row.Port, row.BitValue, decoded(data, row.BitValue))
		}
	}
}

func main() {
	var (
		kubeConfig, podName, direction, emptyPorts string
		vni                                        uint32
	)
	goFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(goFlags)
	pflag.CommandLine.AddGoFlagSet(goFlags)
	pflag.StringVar(&kubeConfig, "kubeconfig", "", "Absolute path to a valid kubeconfig file. Only required if ShowTables runs out-of-cluster.")
	pflag.StringVar(&podName, "pod", "", "Pod whose endpoint is compiled, as namespace/name.")
	pflag.Uint32Var(&vni, "vni", 1, "VNI of the endpoint.")
	pflag.StringVar(&direction, "direction", "", "Show ingress or egress only. By default both are shown.")
	pflag.StringVar(&emptyPorts, "empty-ports", string(poltypes.EmptyPortsAllowAll), "Meaning of a rule without ports: allow or deny.")
	pflag.Parse()

	ns, name, err := clusterstate.SplitPolicyKey(podName)
	if err != nil || ns == "" || name == "" {
		fatal("--pod must be given as namespace/name")
	}
	dirs := poltypes.Directions
	switch poltypes.Direction(direction) {
	case "":
	case poltypes.Ingress, poltypes.Egress:
		dirs = []poltypes.Direction{poltypes.Direction(direction)}
	default:
		fatal("--direction must be ingress or egress, got %q", direction)
	}
	mode := poltypes.EmptyPortsPolicy(emptyPorts)
	if mode != poltypes.EmptyPortsAllowAll && mode != poltypes.EmptyPortsDenyAll {
		fatal("--empty-ports must be allow or deny, got %q", emptyPorts)
	}

	cfg, err := clientcmd.BuildConfigFromFlags("", kubeConfig)
	if err != nil {
		fatal("cannot build cluster config for K8s REST client because: %v", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		fatal("cannot build K8s REST client because: %v", err)
	}
	ctx := context.Background()
	pod, err := client.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		fatal("missing Pod `%s` in namespace `%s`: %v", name, ns, err)
	}
	ips := clusterstate.PodIPs(pod)
	if len(ips) == 0 {
		fatal("Pod `%s` has no IP yet", podName)
	}

	state := clusterstate.NewFromClient(client)
	policies, err := state.ListPoliciesByNamespace(ctx, ns)
	if err != nil {
		fatal("unable to list NetworkPolicies in namespace `%s`: %v", ns, err)
	}
	applicable := polset.NewPolicySet(policies).FilterApplicablePolicies(pod)
	compiler := netruleset.NewCompiler(clusterstate.NewResolver(state), mode)
	ep := netruleset.Endpoint{Name: ns + "/" + name, Vni: vni, IP: ips[0]}

	fmt.Println("         Endpoint:", ep.Name)
	fmt.Println("         Local IP:", ep.IP)
	fmt.Println("              VNI:", ep.Vni)
	for _, dir := range dirs {
		dirPolicies := policiesFor(applicable, dir)
		data, ruleErrs, err := compiler.CompilePolicies(ctx, ep, dir, dirPolicies)
		if err != nil {
			fatal("compiling %s tables failed with error: %v", dir, err)
		}
		printTables(os.Stdout, dir, dirPolicies, data, ruleErrs)
	}
}
