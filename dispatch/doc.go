// Package dispatch spreads the items of a generator over a fixed pool of
// workers and collects what they produce.
//
// A feeder pulls items from a Generator, packs them into batches of
// ChunkSize and tags each batch with a Ticket carrying the route key and a
// gapless sequence number. The last batch of a route is flagged STOP and ends
// with a Stop item. Workers run the caller's Target on every item and send an
// OutputBatch under the same ticket; item failures become ItemError markers
// and never take a worker down.
//
// Each output channel is drained by exactly one collector into a Box. Workers
// finish batches in any order, so Box.Sorted (or Coordinator.Results) sorts by
// sequence to recover generator order. Complete reports when a route's STOP
// batch and every batch before it have arrived.
//
// Workers are goroutines by default. WithProcessWorkers runs them as child
// processes of the same binary, which must call ServeWorker at the top of
// main:
//
//	func main() {
//	    dispatch.RegisterTarget("square", square)
//	    if dispatch.ServeWorker() {
//	        return
//	    }
//
//	    c := dispatch.New(square, dispatch.WithProcessWorkers("square"))
//	    ...
//	}
//
// A worker process that dies is reported as a WorkerCrash on the print
// stream and is not replaced.
package dispatch
