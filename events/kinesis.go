package events

import (
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/yusiwen/streamctl/log"
)

// KinesisSink writes events to a Kinesis stream partitioned by stream id,
// keeping each stream's transitions ordered.
type KinesisSink struct {
	client     kinesisiface.KinesisAPI
	streamName string
}

func NewKinesisSink(region, streamName string) (*KinesisSink, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return &KinesisSink{client: kinesis.New(sess), streamName: streamName}, nil
}

func NewKinesisSinkWithClient(client kinesisiface.KinesisAPI, streamName string) *KinesisSink {
	return &KinesisSink{client: client, streamName: streamName}
}

func (k *KinesisSink) Publish(e Event) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	result, err := k.client.PutRecord(&kinesis.PutRecordInput{
		Data:         data,
		PartitionKey: aws.String(strconv.FormatUint(uint64(e.StreamID), 10)),
		StreamName:   aws.String(k.streamName),
	})
	if err != nil {
		return fmt.Errorf("failed to put record to Kinesis: %w", err)
	}
	log.Debug("event published to Kinesis: ", aws.StringValue(result.SequenceNumber))
	return nil
}
