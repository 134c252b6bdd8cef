// Command p2p-node starts one node of the file-synchronization overlay.
package main

func main() {
	Execute()
}
