/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Command mq-inspect is a diagnostic tool, not part of the detection
// core: it joins its own consumer group on the engine's IPC topics and
// logs per-topic/partition offset gaps, for operators debugging a stuck or
// lagging IPC stream.
package main

import (
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/Shopify/sarama"
	"github.com/wvanbergen/kafka/consumergroup"
	"github.com/wvanbergen/kazoo-go"
)

func main() {
	zkEnv := envOr("STREAM_FDL_ZOOKEEPER", "127.0.0.1:2181")
	topicsEnv := envOr("STREAM_FDL_MQ_INSPECT_TOPICS", "node.request,topic.request")
	group := envOr("STREAM_FDL_MQ_INSPECT_GROUP", "stream-fdl-mq-inspect")

	conf := consumergroup.NewConfig()
	conf.Offsets.Initial = sarama.OffsetNewest

	zkNodes, chroot := kazoo.ParseConnectionString(zkEnv)
	conf.Zookeeper.Chroot = chroot
	log.Printf("MQ-INSPECT, using ZK chroot %s", chroot)

	topics := strings.Split(topicsEnv, ",")
	consumer, err := consumergroup.JoinConsumerGroup(group, topics, zkNodes, conf)
	if err != nil {
		log.Fatalln(err)
	}
	defer consumer.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	offsets := make(map[string]map[int32]int64)
	eventCount := 0

runloop:
	for {
		select {
		case <-sig:
			break runloop
		case err := <-consumer.Errors():
			log.Println(err)
		case msg := <-consumer.Messages():
			if offsets[msg.Topic] == nil {
				offsets[msg.Topic] = make(map[int32]int64)
			}
			eventCount++

			if last := offsets[msg.Topic][msg.Partition]; last != 0 && last != msg.Offset-1 {
				log.Printf("MQ-INSPECT, gap on %s:%d: expected %d, found %d",
					msg.Topic, msg.Partition, last+1, msg.Offset)
			}
			offsets[msg.Topic][msg.Partition] = msg.Offset
			consumer.CommitUpto(msg)
		}
	}

	log.Printf("MQ-INSPECT, processed %d messages across %d topics", eventCount, len(offsets))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
