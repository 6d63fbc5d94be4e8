// Package goresque is a Resque-compatible background worker for Go. Jobs
// are JSON payloads pushed onto Redis lists; workers reserve them in
// priority order, run them through a registered handler and record
// failures and tracked statuses in the layout php-resque and Ruby Resque
// clients already read.
//
// Jobs can run in the worker process, in a re-executed child process per
// job, or on a remote FastCGI executor.
//
// # Producing jobs
//
//	rt := job.NewRuntime(store)
//	client := goresque.NewClient(rt)
//	id, err := client.Enqueue(ctx, "mail", "EmailJob", map[string]interface{}{"to": "a@example.com"}, true)
//
// # Running a worker
//
//	cfg, err := config.Load("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	engine, err := engines.NewResqueEngine(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close(ctx)
//
//	engine.RegisterFunc("EmailJob", func(ctx context.Context, in registry.Instance) error {
//		return send(in.Args["to"].(string))
//	})
//	if err := engine.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// A worker responds to the usual Resque signals: TERM and INT stop it
// immediately, QUIT lets the current job finish, USR1 kills the running
// child, USR2 pauses and CONT resumes.
package goresque
