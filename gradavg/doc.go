// Package gradavg makes optimizers average their gradients across a group of cooperating
// processes before applying them.
//
// The entry point is NewDistributedOptimizer, which wraps any optimizer.Optimizer. Its gradients
// go through a Reducer: sparse values are optionally densified (Normalize), auto-generated names
// are made identical across processes (Resolver), and every gradient is allreduced under that
// name. Ops exposes the remaining collectives (parameter broadcast, allreduce, allgather and
// broadcast of named values), and LoadModel restores wrapped optimizers from model files.
package gradavg
