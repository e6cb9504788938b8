// Package pool amortizes engine creation across executions. A Pool
// keeps returned engines warm for reuse, bounds how many exist at
// once with semaphore admission, and evicts engines that sit idle too
// long.
//
//	p, err := pool.New(ctx, pool.Config{MaxSize: 8, MinIdle: 2}, factory)
//	if err != nil {
//		return err
//	}
//	defer p.Close(ctx)
//
//	lease, err := p.Acquire(ctx)
//	if err != nil {
//		return err
//	}
//	defer lease.Return(ctx)
//
//	res, err := lease.Sandbox().Execute(ctx, code)
package pool
